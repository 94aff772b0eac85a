package nas

import "io"

// Encryptor seals repository content. Encryption uses the public key only;
// decryption requires the passphrase to unlock the private key first.
type Encryptor interface {
	// Setup generates the key pair and seals the private key with passphrase.
	// Called once when a repository is initialized.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock opens the private key and returns a DecryptionContext.
	// Returns an error if the passphrase is wrong.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether the key pair exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key for the length of one
// extraction. The key is never written back to disk.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
