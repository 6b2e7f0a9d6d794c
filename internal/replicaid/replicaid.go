// Package replicaid defines the 128-bit replica identity of spec.md
// §3: a permanent id assigned once at startup, used both as a clock
// coordinate and as a tie-breaker in total orders.
package replicaid

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// ID is a replica's permanent identity. Comparable (fixed-size array),
// so it can be used directly as a map key in vector clocks.
type ID [16]byte

// Root is the reserved sentinel id for the epoch tree root file id;
// it never names a real replica (spec.md §3, "the root has the
// reserved sentinel id ROOT").
var Root = ID{}

// New generates a fresh, globally-unique replica identity.
func New() ID {
	return ID(uuid.New())
}

// baseNamespace seeds DeriveBase's UUIDv5 derivation. Fixed and
// arbitrary: only its stability across processes matters.
var baseNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// DeriveBase deterministically derives a file id for a base-commit
// path, so that every replica loading the same commit independently
// (internal/worktree's bootstrap, spec.md §4.6 "new()") assigns the
// identical file id to the identical path without coordinating —
// unlike New, which must never be used for base entries since two
// replicas would then disagree on the same file's identity.
func DeriveBase(commitID, path string) ID {
	return ID(uuid.NewSHA1(baseNamespace, []byte(commitID+"\x00"+path)))
}

// LoadOrCreate reads a replica identity persisted at path, or
// generates and persists a fresh one if path does not yet exist. An
// empty path always generates a fresh, ephemeral identity (cmd/
// synctreed's default, per internal/config's ReplicaIDPath doc).
func LoadOrCreate(path string) (ID, error) {
	if path == "" {
		return New(), nil
	}
	if b, err := os.ReadFile(path); err == nil {
		return Parse(strings.TrimSpace(string(b)))
	} else if !os.IsNotExist(err) {
		return ID{}, fmt.Errorf("replicaid: reading %q: %w", path, err)
	}
	id := New()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return ID{}, fmt.Errorf("replicaid: persisting %q: %w", path, err)
	}
	return id, nil
}

// Parse reads a replica id from its canonical UUID string form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("replicaid: parse %q: %w", s, err)
	}
	return ID(u), nil
}

// String renders the canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Short returns an 8-character prefix, used by the epoch CRDT's
// rename-collision disambiguation suffix (spec.md §4.4).
func (id ID) Short() string {
	s := id.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// MarshalBinary writes the 16-byte little-endian wire form required by
// spec.md §6 ("ReplicaId is 16 bytes little-endian of the UUID").
func (id ID) MarshalBinary() ([]byte, error) {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = id[15-i]
	}
	return out, nil
}

// UnmarshalBinary reads the 16-byte little-endian wire form.
func (id *ID) UnmarshalBinary(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("replicaid: want 16 bytes, got %d", len(b))
	}
	for i := 0; i < 16; i++ {
		id[i] = b[15-i]
	}
	return nil
}
