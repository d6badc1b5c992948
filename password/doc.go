// Package password implements password hashing and verification with
// Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Parameters travel inside the hash, so [Hasher.NeedsRehash] can detect
// hashes made with weaker settings and the caller can re-hash after the
// next successful login. The package never stores or logs plaintext.
package password
