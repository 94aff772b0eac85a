package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"nas-go/internal/encryption"
	"nas-go/internal/nas"
	"nas-go/internal/vault"
)

// mountMarkerSuffix names the file recording which archive a native mount shows.
const mountMarkerSuffix = ".mounted"

// NativeEngine is a deduplicating archive engine built on a nas.Vault.
// Chunks are whole files addressed by the SHA-256 of their plaintext and
// stored encrypted. A repository directory holds:
//
//	<repo>/
//	  repo.toml    (id, encryption, quota, used bytes)
//	  keys/        (per-repository key pair)
//	  data/        (filesystem vault, when configured)
//
// Mounts are materialized copies: the archive is extracted into the
// mountpoint and a marker file next to it records the mount.
type NativeEngine struct {
	open       vault.Opener
	encryption string
	passphrase string
	clock      nas.Clock
	idgen      nas.IDGenerator
	logger     nas.Logger
}

var _ nas.ArchiveEngine = (*NativeEngine)(nil)

// NewNativeEngine creates a native engine. encryptionType is one of the
// encryption package types and applies to repositories created later.
func NewNativeEngine(open vault.Opener, encryptionType, passphrase string, clock nas.Clock, idgen nas.IDGenerator, logger nas.Logger) *NativeEngine {
	if clock == nil {
		clock = nas.RealClock{}
	}
	if idgen == nil {
		idgen = nas.UUIDGenerator{}
	}
	if logger == nil {
		logger = nas.NewNopLogger()
	}
	return &NativeEngine{
		open:       open,
		encryption: encryptionType,
		passphrase: passphrase,
		clock:      clock,
		idgen:      idgen,
		logger:     logger,
	}
}

func keyDir(repo string) string { return filepath.Join(repo, "keys") }

func (e *NativeEngine) Exists(repo string) (bool, error) {
	_, err := os.Stat(filepath.Join(repo, repoConfigFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking repository %s: %w", repo, err)
	}
	return true, nil
}

func (e *NativeEngine) Init(ctx context.Context, repo string, quota int64) error {
	exists, err := e.Exists(repo)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: repository %s already exists", nas.ErrConflict, repo)
	}
	if quota < 0 {
		return fmt.Errorf("%w: negative quota", nas.ErrValidation)
	}
	if err := os.MkdirAll(repo, 0o700); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}

	enc, err := encryption.NewEncryptor(e.encryption, keyDir(repo))
	if err != nil {
		return err
	}
	if !enc.IsConfigured() {
		if err := enc.Setup(e.passphrase); err != nil {
			return fmt.Errorf("setting up repository keys: %w", err)
		}
	}

	cfg := &repoConfig{
		ID:         e.idgen.New(),
		Encryption: e.encryption,
		Quota:      quota,
		CreatedAt:  e.clock.Now().UTC(),
	}
	v, err := e.open(repo, cfg.ID)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	if err := v.ValidateSetup(); err != nil {
		return fmt.Errorf("validating vault: %w", err)
	}

	// repo.toml is written last: its presence is what Exists checks.
	if err := writeRepoConfig(repo, cfg); err != nil {
		return err
	}
	e.logger.Info("repository initialized", "repo", repo, "quota", quota, "encryption", cfg.Encryption)
	return nil
}

// session bundles what every operation on an initialized repository needs.
type session struct {
	repo  string
	cfg   *repoConfig
	vault nas.Vault
	enc   nas.Encryptor
}

func (e *NativeEngine) openRepo(repo string) (*session, error) {
	cfg, err := readRepoConfig(repo)
	if err != nil {
		return nil, err
	}
	v, err := e.open(repo, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}
	enc, err := encryption.NewEncryptor(cfg.Encryption, keyDir(repo))
	if err != nil {
		return nil, err
	}
	return &session{repo: repo, cfg: cfg, vault: v, enc: enc}, nil
}

func (s *session) loadIndex() (*index, error) {
	var buf bytes.Buffer
	if err := s.vault.GetMetadata(indexName, &buf); err != nil {
		if errors.Is(err, nas.ErrNotFound) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("reading archive index: %w", err)
	}
	var idx index
	if _, err := toml.Decode(buf.String(), &idx); err != nil {
		return nil, fmt.Errorf("parsing archive index: %w", err)
	}
	return &idx, nil
}

func (s *session) saveIndex(idx *index) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(idx); err != nil {
		return fmt.Errorf("encoding archive index: %w", err)
	}
	return s.vault.PutMetadata(indexName, &buf, int64(buf.Len()))
}

func (s *session) loadManifest(dc nas.DecryptionContext, label string) (*manifest, error) {
	var sealed bytes.Buffer
	if err := s.vault.GetMetadata(manifestPrefix+label, &sealed); err != nil {
		if errors.Is(err, nas.ErrNotFound) {
			return nil, fmt.Errorf("%w: archive %s", nas.ErrNotFound, label)
		}
		return nil, fmt.Errorf("reading manifest %s: %w", label, err)
	}
	var plain bytes.Buffer
	if err := dc.Decrypt(&sealed, &plain); err != nil {
		return nil, fmt.Errorf("decrypting manifest %s: %w", label, err)
	}
	var m manifest
	if _, err := toml.Decode(plain.String(), &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", label, err)
	}
	return &m, nil
}

// hashFile returns the hex SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *NativeEngine) Create(ctx context.Context, repo, label, source string) error {
	s, err := e.openRepo(repo)
	if err != nil {
		return err
	}
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	for _, a := range idx.Archives {
		if a.Label == label {
			return fmt.Errorf("%w: archive %s already exists", nas.ErrConflict, label)
		}
	}

	// Pass 1: describe the source and find chunks the vault lacks.
	m := &manifest{Label: label, CreatedAt: e.clock.Now().UTC()}
	newChunks := make(map[string]string) // checksum -> host path
	var newBytes int64
	err = filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == source || !(d.IsDir() || d.Type().IsRegular()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		entry := manifestEntry{
			Path:    filepath.ToSlash(rel),
			Dir:     d.IsDir(),
			Mode:    uint32(info.Mode().Perm()),
			ModTime: info.ModTime().UTC(),
		}
		if !d.IsDir() {
			sum, err := hashFile(p)
			if err != nil {
				return fmt.Errorf("hashing %s: %w", rel, err)
			}
			entry.Size, entry.Checksum = info.Size(), sum
			if _, seen := newChunks[sum]; !seen {
				has, err := s.vault.HasContent(sum)
				if err != nil {
					return err
				}
				if !has {
					newChunks[sum] = p
					newBytes += info.Size()
				}
			}
		}
		m.Entries = append(m.Entries, entry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning %s: %w", source, err)
	}

	if s.cfg.Quota > 0 && s.cfg.UsedBytes+newBytes > s.cfg.Quota {
		return fmt.Errorf("%w: archive %s needs %d new bytes, %d of %d used",
			nas.ErrQuotaExceeded, label, newBytes, s.cfg.UsedBytes, s.cfg.Quota)
	}

	// Pass 2: upload new chunks in a stable order.
	sums := make([]string, 0, len(newChunks))
	for sum := range newChunks {
		sums = append(sums, sum)
	}
	sort.Strings(sums)
	for _, sum := range sums {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.storeChunk(sum, newChunks[sum]); err != nil {
			return err
		}
	}

	var plain bytes.Buffer
	if err := toml.NewEncoder(&plain).Encode(m); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	id := sha256.Sum256(plain.Bytes())
	var sealed bytes.Buffer
	if err := s.enc.Encrypt(&plain, &sealed); err != nil {
		return fmt.Errorf("encrypting manifest: %w", err)
	}
	if err := s.vault.PutMetadata(manifestPrefix+label, &sealed, int64(sealed.Len())); err != nil {
		return fmt.Errorf("storing manifest: %w", err)
	}

	idx.Archives = append(idx.Archives, indexEntry{ID: hex.EncodeToString(id[:]), Label: label, CreatedAt: m.CreatedAt})
	if err := s.saveIndex(idx); err != nil {
		return err
	}
	s.cfg.UsedBytes += newBytes
	if err := writeRepoConfig(repo, s.cfg); err != nil {
		return err
	}

	e.logger.Debug("archive created", "repo", repo, "label", label, "entries", len(m.Entries), "new_bytes", newBytes)
	return nil
}

// storeChunk encrypts the file at path and stores it under sum. The file is
// re-hashed while encrypting so a change since pass 1 is caught.
func (s *session) storeChunk(sum, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	var sealed bytes.Buffer
	if err := s.enc.Encrypt(io.TeeReader(f, h), &sealed); err != nil {
		return fmt.Errorf("encrypting %s: %w", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sum {
		return fmt.Errorf("file changed during archiving: %s", path)
	}
	if err := s.vault.PutContent(sum, &sealed, int64(sealed.Len())); err != nil {
		return fmt.Errorf("storing chunk %s: %w", sum, err)
	}
	return nil
}

func (e *NativeEngine) List(ctx context.Context, repo string) ([]nas.ArchiveInfo, error) {
	s, err := e.openRepo(repo)
	if err != nil {
		return nil, err
	}
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	infos := make([]nas.ArchiveInfo, 0, len(idx.Archives))
	for _, a := range idx.Archives {
		infos = append(infos, nas.ArchiveInfo{ID: a.ID, Label: a.Label, CreatedAt: a.CreatedAt})
	}
	return infos, nil
}

func (e *NativeEngine) Extract(ctx context.Context, repo, label, dest string) error {
	s, err := e.openRepo(repo)
	if err != nil {
		return err
	}
	dc, err := s.enc.Unlock(e.passphrase)
	if err != nil {
		return fmt.Errorf("unlocking repository: %w", err)
	}
	m, err := s.loadManifest(dc, label)
	if err != nil {
		return err
	}

	for _, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.FromSlash(entry.Path)
		if !filepath.IsLocal(rel) {
			return fmt.Errorf("archive %s has unsafe path %q", label, entry.Path)
		}
		target := filepath.Join(dest, rel)

		if entry.Dir {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("creating %s: %w", entry.Path, err)
			}
			continue
		}
		if err := s.extractFile(dc, entry, target); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) extractFile(dc nas.DecryptionContext, entry manifestEntry, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("creating parent of %s: %w", entry.Path, err)
	}

	var sealed bytes.Buffer
	if err := s.vault.GetContent(entry.Checksum, &sealed); err != nil {
		return fmt.Errorf("fetching %s: %w", entry.Path, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(entry.Mode)|0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", entry.Path, err)
	}
	h := sha256.New()
	if err := dc.Decrypt(&sealed, io.MultiWriter(f, h)); err != nil {
		f.Close()
		return fmt.Errorf("decrypting %s: %w", entry.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", entry.Path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != entry.Checksum {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", entry.Path, got, entry.Checksum)
	}
	return os.Chtimes(target, entry.ModTime, entry.ModTime)
}

func (e *NativeEngine) Mount(ctx context.Context, repo, label, mountpoint string) error {
	mounted, err := e.IsMounted(mountpoint)
	if err != nil {
		return err
	}
	if mounted {
		return fmt.Errorf("%s is already mounted", mountpoint)
	}
	if err := clearDir(mountpoint); err != nil {
		return err
	}
	if err := e.Extract(ctx, repo, label, mountpoint); err != nil {
		clearDir(mountpoint)
		return err
	}
	return writeFileAtomic(mountpoint+mountMarkerSuffix, []byte(label+"\n"), 0o600)
}

func (e *NativeEngine) Unmount(ctx context.Context, mountpoint string) error {
	mounted, err := e.IsMounted(mountpoint)
	if err != nil {
		return err
	}
	if !mounted {
		return fmt.Errorf("%s is not mounted", mountpoint)
	}
	if err := clearDir(mountpoint); err != nil {
		return err
	}
	if err := os.Remove(mountpoint + mountMarkerSuffix); err != nil {
		return fmt.Errorf("removing mount marker: %w", err)
	}
	return nil
}

func (e *NativeEngine) IsMounted(mountpoint string) (bool, error) {
	_, err := os.Stat(mountpoint + mountMarkerSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("checking mount marker: %w", err)
	}
	return true, nil
}

// clearDir removes everything inside dir, keeping dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
	}
	return nil
}

// Usage returns the bytes stored in repo and its quota (0 = unlimited).
func (e *NativeEngine) Usage(repo string) (used, quota int64, err error) {
	cfg, err := readRepoConfig(repo)
	if err != nil {
		return 0, 0, err
	}
	return cfg.UsedBytes, cfg.Quota, nil
}
