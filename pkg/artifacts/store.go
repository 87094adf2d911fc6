// Package artifacts is the content-addressed store for tool inputs and
// outputs. Artifacts are addressed by "sha256:<hex>"; the locator recorded in
// an ArtifactRef says where the bytes live, the hash says what they are.
package artifacts

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sfgonsio/AI-Legal-Service/pkg/canonicalize"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

var (
	ErrNotFound    = errors.New("artifacts: not found")
	ErrInvalidHash = errors.New("artifacts: invalid content hash")
)

// Store is content-addressed storage. Put is idempotent. There is no delete:
// recorded artifacts back audit events and must outlive them.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	// Locator is the address recorded in artifact refs for hash.
	Locator(hash string) string
}

// Register stores data and returns its reference.
func Register(ctx context.Context, s Store, kind string, data []byte) (contracts.ArtifactRef, error) {
	hash, err := s.Put(ctx, data)
	if err != nil {
		return contracts.ArtifactRef{}, err
	}
	return contracts.ArtifactRef{
		Locator:     s.Locator(hash),
		ContentHash: hash,
		Kind:        kind,
		Size:        int64(len(data)),
	}, nil
}

// Verify fetches ref and checks its bytes against the recorded hash.
func Verify(ctx context.Context, s Store, ref contracts.ArtifactRef) error {
	data, err := s.Get(ctx, ref.ContentHash)
	if err != nil {
		return err
	}
	if got := canonicalize.PrefixedHash(data); got != strings.ToLower(ref.ContentHash) {
		return fmt.Errorf("artifacts: %s content hash mismatch: got %s", ref.Locator, got)
	}
	return nil
}

// rawHash validates "sha256:<hex>" and returns the hex part.
func rawHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(strings.ToLower(hash), canonicalize.HashPrefix)
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return raw, nil
}
