package encryption

import (
	"fmt"
	"io"

	"nas-go/internal/nas"
)

// NoneEncryptor stores content as-is. It is meant for repositories whose
// vault already sits on encrypted storage.
type NoneEncryptor struct{}

var _ nas.Encryptor = NoneEncryptor{}

func (NoneEncryptor) Setup(string) error { return nil }

func (NoneEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (NoneEncryptor) Unlock(string) (nas.DecryptionContext, error) {
	return noneDecryptionContext{}, nil
}

func (NoneEncryptor) IsConfigured() bool { return true }

type noneDecryptionContext struct{}

func (noneDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
