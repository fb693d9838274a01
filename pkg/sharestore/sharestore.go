// Package sharestore implements public share links over files and
// folders: token issuance, optional password protection, expiry, and
// access tracking. Grounded on the original implementation's
// domain/entities/share.rs (Share fields, is_expired, access counting)
// and application/services/share_service.rs, with password hashing
// upgraded from the original's bare string comparison to Argon2id via
// golang.org/x/crypto, matching the teacher's use of the same module for
// its own credential handling.
package sharestore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"

	"github.com/vaultfs/vaultfs/pkg/metrics"
	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

// ItemType distinguishes what a share points at.
type ItemType int

const (
	ItemFile ItemType = iota
	ItemFolder
)

// Permissions bounds what a share grants.
type Permissions struct {
	Read    bool
	Write   bool
	Reshare bool
}

// Share is one public share link.
type Share struct {
	ID           string
	ItemID       string
	ItemType     ItemType
	Token        string
	PasswordHash string // empty if the share has no password
	ExpiresAt    time.Time
	HasExpiry    bool
	Permissions  Permissions
	CreatedAt    time.Time
	CreatedBy    string
	AccessCount  uint64
}

// IsExpired reports whether s's expiry has passed.
func (s *Share) IsExpired() bool {
	return s.HasExpiry && !s.ExpiresAt.After(time.Now())
}

const tokenBytes = 32

// generateToken produces a URL-safe token with >= 256 bits of entropy.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", storeerr.Wrap(storeerr.IOError, "failed to generate share token", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var argon2Params = struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
	saltLen int
}{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32, saltLen: 16}

// HashPassword derives an Argon2id hash encoded with its salt and
// parameters, suitable for storage and later verification.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2Params.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", storeerr.Wrap(storeerr.IOError, "failed to generate salt", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)

	encoded := base64.RawStdEncoding.EncodeToString(salt) + "$" + base64.RawStdEncoding.EncodeToString(hash)
	return encoded, nil
}

// VerifyPassword checks password against an encoded hash produced by
// HashPassword, in constant time with respect to the comparison itself.
func VerifyPassword(encoded, password string) bool {
	parts := bytes.SplitN([]byte(encoded), []byte("$"), 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(string(parts[0]))
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(string(parts[1]))
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Store is the ShareStore component: an in-memory index of Shares,
// persisted as a small XDR-framed header followed by a JSON body.
type Store struct {
	indexPath string
	// isTrashed reports whether itemID is currently in the trash. Wired
	// to TrashStore.IsTrashed; nil treats nothing as trashed (used by
	// tests that don't exercise the trash/share interaction).
	isTrashed func(itemID string) bool

	mu       sync.RWMutex
	byID     map[string]*Share
	byToken  map[string]string // token -> share id
	byItemID map[string][]string // itemID -> share ids

	metrics metrics.ShareMetrics
}

const indexFormatVersion = 1

type fileHeader struct {
	Version     uint32
	RecordCount uint32
}

type persistedShare struct {
	ID           string
	ItemID       string
	ItemType     int
	Token        string
	PasswordHash string
	ExpiresAtSec int64
	HasExpiry    bool
	Read         bool
	Write        bool
	Reshare      bool
	CreatedAtSec int64
	CreatedBy    string
	AccessCount  uint64
}

// Open loads an existing share index (if any) and returns a ready Store.
// isTrashed, if non-nil, is consulted by ResolveByToken to fail closed on
// a share whose underlying item has been soft-deleted.
func Open(ctx context.Context, indexPath string, isTrashed func(itemID string) bool) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Store{
		indexPath: indexPath,
		isTrashed: isTrashed,
		byID:      make(map[string]*Share),
		byToken:   make(map[string]string),
		byItemID:  make(map[string][]string),
		metrics:   metrics.NewShareMetrics(),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, storeerr.Wrap(storeerr.CorruptedIndex, "failed to load share index", err)
	}
	return s, nil
}

// SetMetrics installs a ShareMetrics sink for create/resolve/password-check
// instrumentation.
func (s *Store) SetMetrics(m metrics.ShareMetrics) {
	s.metrics = m
}

func (s *Store) load() error {
	f, err := os.Open(s.indexPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr fileHeader
	if _, err := xdr.Unmarshal(f, &hdr); err != nil {
		return err
	}
	if hdr.Version != indexFormatVersion {
		return storeerr.New(storeerr.CorruptedIndex, "unsupported share index version")
	}

	body, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	var records []persistedShare
	if err := json.Unmarshal(body, &records); err != nil {
		return err
	}

	for _, r := range records {
		sh := fromPersisted(r)
		s.byID[sh.ID] = sh
		s.byToken[sh.Token] = sh.ID
		s.byItemID[sh.ItemID] = append(s.byItemID[sh.ItemID], sh.ID)
	}
	return nil
}

func (s *Store) save() error {
	s.mu.RLock()
	records := make([]persistedShare, 0, len(s.byID))
	for _, sh := range s.byID {
		records = append(records, toPersisted(sh))
	}
	s.mu.RUnlock()

	body, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	hdr := fileHeader{Version: indexFormatVersion, RecordCount: uint32(len(records))}
	if _, err := xdr.Marshal(&buf, &hdr); err != nil {
		return err
	}
	buf.Write(body)

	if err := os.MkdirAll(filepath.Dir(s.indexPath), 0o755); err != nil {
		return err
	}
	tmp := s.indexPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func toPersisted(sh *Share) persistedShare {
	p := persistedShare{
		ID: sh.ID, ItemID: sh.ItemID, ItemType: int(sh.ItemType), Token: sh.Token,
		PasswordHash: sh.PasswordHash, HasExpiry: sh.HasExpiry,
		Read: sh.Permissions.Read, Write: sh.Permissions.Write, Reshare: sh.Permissions.Reshare,
		CreatedAtSec: sh.CreatedAt.Unix(), CreatedBy: sh.CreatedBy, AccessCount: sh.AccessCount,
	}
	if sh.HasExpiry {
		p.ExpiresAtSec = sh.ExpiresAt.Unix()
	}
	return p
}

func fromPersisted(p persistedShare) *Share {
	sh := &Share{
		ID: p.ID, ItemID: p.ItemID, ItemType: ItemType(p.ItemType), Token: p.Token,
		PasswordHash: p.PasswordHash, HasExpiry: p.HasExpiry,
		Permissions: Permissions{Read: p.Read, Write: p.Write, Reshare: p.Reshare},
		CreatedAt:   time.Unix(p.CreatedAtSec, 0), CreatedBy: p.CreatedBy, AccessCount: p.AccessCount,
	}
	if p.HasExpiry {
		sh.ExpiresAt = time.Unix(p.ExpiresAtSec, 0)
	}
	return sh
}

// validatePermissions enforces the permission-combination invariants: read
// is required for any grant at all, write implies read, reshare implies
// read, and write over a folder is rejected unless folderWriteEnabled.
func validatePermissions(perms Permissions, itemType ItemType, folderWriteEnabled bool) error {
	if !perms.Read {
		return storeerr.New(storeerr.InvariantViolation, "a share must grant at least read access")
	}
	if perms.Write && itemType == ItemFolder && !folderWriteEnabled {
		return storeerr.New(storeerr.InvariantViolation, "write access on folder shares is disabled")
	}
	return nil
}

// Create issues a new share over itemID. password, if non-empty, is
// hashed and stored; VerifyPassword checks a candidate against it, while
// ResolveByToken does not check it. expiresAt is optional (zero
// value means no expiry). folderWriteEnabled gates write=true on folder
// shares, per the feature flag named in the permission policy.
func (s *Store) Create(ctx context.Context, itemID string, itemType ItemType, createdBy string, perms Permissions, password string, expiresAt time.Time, folderWriteEnabled bool) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePermissions(perms, itemType, folderWriteEnabled); err != nil {
		return nil, err
	}
	if !expiresAt.IsZero() && !expiresAt.After(time.Now()) {
		return nil, storeerr.New(storeerr.InvariantViolation, "expiration date must be in the future")
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	var hash string
	if password != "" {
		hash, err = HashPassword(password)
		if err != nil {
			return nil, err
		}
	}

	sh := &Share{
		ID:           uuid.NewString(),
		ItemID:       itemID,
		ItemType:     itemType,
		Token:        token,
		PasswordHash: hash,
		ExpiresAt:    expiresAt,
		HasExpiry:    !expiresAt.IsZero(),
		Permissions:  perms,
		CreatedAt:    time.Now(),
		CreatedBy:    createdBy,
	}

	s.mu.Lock()
	s.byID[sh.ID] = sh
	s.byToken[sh.Token] = sh.ID
	s.byItemID[itemID] = append(s.byItemID[itemID], sh.ID)
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to persist share index", err)
	}
	s.metrics.RecordCreate(password != "")
	return sh, nil
}

// ResolveByToken looks up a non-expired share by its public token and
// records the access.
func (s *Store) ResolveByToken(ctx context.Context, token string) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id, ok := s.byToken[token]
	if !ok {
		s.mu.Unlock()
		s.metrics.RecordResolve("not_found")
		return nil, storeerr.New(storeerr.NotFound, "share not found")
	}
	sh, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		s.metrics.RecordResolve("not_found")
		return nil, storeerr.New(storeerr.NotFound, "share not found")
	}
	if sh.IsExpired() {
		s.mu.Unlock()
		s.metrics.RecordResolve("expired")
		return nil, storeerr.New(storeerr.Expired, "share has expired")
	}
	if s.isTrashed != nil && s.isTrashed(sh.ItemID) {
		s.mu.Unlock()
		s.metrics.RecordResolve("not_found")
		return nil, storeerr.New(storeerr.NotFound, "share not found")
	}
	sh.AccessCount++
	clone := *sh
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, storeerr.Wrap(storeerr.IOError, "failed to persist share index", err)
	}
	s.metrics.RecordResolve("ok")
	return &clone, nil
}

// VerifyPassword checks a candidate password against shareID's hash.
// Shares with no password accept any input (including empty).
func (s *Store) VerifyPassword(ctx context.Context, shareID, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	sh, ok := s.byID[shareID]
	s.mu.RUnlock()
	if !ok {
		return false, storeerr.New(storeerr.NotFound, "share not found")
	}
	if sh.PasswordHash == "" {
		return true, nil
	}
	if !VerifyPassword(sh.PasswordHash, password) {
		s.metrics.RecordPasswordCheck(false)
		return false, storeerr.New(storeerr.PasswordRequired, "incorrect share password")
	}
	s.metrics.RecordPasswordCheck(true)
	return true, nil
}

// Update changes a share's permissions, password, or expiry.
// folderWriteEnabled gates a perms update that sets write=true on a
// folder share, same as Create.
func (s *Store) Update(ctx context.Context, shareID string, perms *Permissions, password *string, expiresAt *time.Time, folderWriteEnabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var newHash string
	var setHash bool
	if password != nil {
		setHash = true
		if *password != "" {
			hash, err := HashPassword(*password)
			if err != nil {
				return err
			}
			newHash = hash
		}
	}

	s.mu.Lock()
	sh, ok := s.byID[shareID]
	if !ok {
		s.mu.Unlock()
		return storeerr.New(storeerr.NotFound, "share not found")
	}
	if perms != nil {
		if err := validatePermissions(*perms, sh.ItemType, folderWriteEnabled); err != nil {
			s.mu.Unlock()
			return err
		}
		sh.Permissions = *perms
	}
	if expiresAt != nil {
		sh.HasExpiry = !expiresAt.IsZero()
		sh.ExpiresAt = *expiresAt
	}
	if setHash {
		sh.PasswordHash = newHash
	}
	s.mu.Unlock()

	return s.save()
}

// Delete revokes a share.
func (s *Store) Delete(ctx context.Context, shareID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	sh, ok := s.byID[shareID]
	if !ok {
		s.mu.Unlock()
		return storeerr.New(storeerr.NotFound, "share not found")
	}
	delete(s.byID, shareID)
	delete(s.byToken, sh.Token)
	ids := s.byItemID[sh.ItemID]
	for i, id := range ids {
		if id == shareID {
			s.byItemID[sh.ItemID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	return s.save()
}

// ListForItem returns every share over itemID.
func (s *Store) ListForItem(ctx context.Context, itemID string) ([]Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Share, 0)
	for _, id := range s.byItemID[itemID] {
		if sh, ok := s.byID[id]; ok {
			out = append(out, *sh)
		}
	}
	return out, nil
}

// ListForUser returns every share createdBy owns.
func (s *Store) ListForUser(ctx context.Context, createdBy string) ([]Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Share, 0)
	for _, sh := range s.byID {
		if sh.CreatedBy == createdBy {
			out = append(out, *sh)
		}
	}
	return out, nil
}
