// Package middleware gates HTTP handlers behind an authenticated,
// CSRF-checked browser session.
//
// # Gate
//
//   - [Gate.Require] and [Gate.RequireFunc]: access cookie, provenance,
//     CSRF, then an upstream identity lookup. The identity lands in the
//     request context ([IdentityFromContext]).
//   - [Gate.Provenance]: provenance and CSRF only, for endpoints such as
//     refresh and logout that run without a valid access token.
//   - [Gate.SameOrigin]: provenance only, for login.
//
// Cheap checks run first, so a forged request never costs an upstream call.
//
// # What this package must NOT do
//
//   - Decide token validity itself. Identity comes from the Authenticator.
//   - Tell the client which check failed. Responses carry one of the opaque
//     authgate error messages; details go to the log.
package middleware
