package archive

import (
	"context"
	"fmt"

	"nas-go/internal/config"
	"nas-go/internal/nas"
	"nas-go/internal/vault"
)

// NewEngineFromConfig creates the archive engine selected by the archive config type.
func NewEngineFromConfig(ctx context.Context, cfg config.ArchiveConfig, clock nas.Clock, idgen nas.IDGenerator, logger nas.Logger) (nas.ArchiveEngine, error) {
	passphrase := cfg.ResolvePassphrase()

	switch cfg.Type {
	case "borg":
		if passphrase == "" {
			return nil, fmt.Errorf("borg engine requires a passphrase (set %s)", cfg.PassphraseEnv)
		}
		return NewBorgEngine(cfg.BorgBinary, passphrase, logger)
	case "native":
		open, err := vault.NewOpenerFromConfig(ctx, cfg.Vault)
		if err != nil {
			return nil, err
		}
		if passphrase == "" && (cfg.Encryption == "age" || cfg.Encryption == "") {
			return nil, fmt.Errorf("age encryption requires a passphrase (set %s)", cfg.PassphraseEnv)
		}
		return NewNativeEngine(open, cfg.Encryption, passphrase, clock, idgen, logger), nil
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}
