// Package jwt signs and parses the JWTs used by the local identity provider
// and decodes untrusted token claims for routing.
//
// [Decode] never checks a signature. Its output tells the caller whose
// session a token claims to belong to and nothing more; authority for a
// request always comes from the identity provider.
package jwt
