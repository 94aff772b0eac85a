package encryption

import (
	"fmt"

	"nas-go/internal/nas"
)

// NewEncryptor creates the Encryptor of the given type for a repository whose
// keys live in keyDir. An empty type selects age.
func NewEncryptor(kind string, keyDir string) (nas.Encryptor, error) {
	switch kind {
	case "age", "":
		return NewAgeEncryptor(keyDir), nil
	case "none":
		return NoneEncryptor{}, nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", kind)
	}
}
