// Package password hashes and verifies principal credentials with Argon2id.
//
// Hashes are PHC strings:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Verify always uses the parameters recorded in the hash, so raising the
// configured cost never locks out existing principals. [Argon2.NeedsUpgrade]
// tells the caller to rehash after the next successful login.
//
// The package never stores credentials and never logs plaintext.
package password
