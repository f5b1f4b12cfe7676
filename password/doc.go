// Package password hashes and verifies secrets with Argon2.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Salt and digest use unpadded standard base64. Padded input and the older
// layout without a v= segment (version 0x10) are accepted when parsing.
//
// # Backends
//
// Digests are computed by a [Backend]. [XCryptoBackend] wraps
// golang.org/x/crypto/argon2 and is preferred; [ReferenceBackend] is a pure Go
// implementation over BLAKE2b that also covers argon2d and version 0x10.
// Candidates are self-tested on first use and the outcome is cached until
// [Hasher.InvalidateBackend] is called.
//
// # What this package must NOT do
//
//   - Store secrets or hashes. Callers persist the encoded string.
//   - Return errors from [Hasher.Verify]. Verification gates authentication and
//     fails closed.
//   - Log secrets, salts or digests.
package password
