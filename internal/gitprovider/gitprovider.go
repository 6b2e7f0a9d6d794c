// Package gitprovider defines the abstract boundary spec.md §6 calls
// the Git provider: read-only access to a commit's tree and blob
// contents. No real Git plumbing lives here — callers (internal/
// worktree, cmd/synctree-tui) inject whichever implementation fits
// the host; Static is the in-memory test double used by this repo's
// own tests and the TUI demo.
package gitprovider

import (
	"context"
	"fmt"

	"github.com/Polqt/synccore/internal/epoch"
)

// Entry is one row of a commit's tree, per spec.md §6's
// base_entries(commit_id).
type Entry struct {
	Path string
	Type epoch.FileType
	OID  string
}

// Provider is the git-provider boundary consumed by internal/worktree.
// Both methods may block and must honor ctx cancellation; a cancelled
// load must return ctx.Err() without leaving partial state visible.
type Provider interface {
	// BaseEntries lists every path in commitID's tree.
	BaseEntries(ctx context.Context, commitID string) ([]Entry, error)
	// BaseText returns the blob contents identified by oid within
	// commitID.
	BaseText(ctx context.Context, commitID, oid string) ([]byte, error)
}

// ErrNotFound is returned by Static when a commit or blob is unknown.
type ErrNotFound struct {
	CommitID string
	OID      string
}

func (e ErrNotFound) Error() string {
	if e.OID != "" {
		return fmt.Sprintf("gitprovider: unknown blob %q in commit %q", e.OID, e.CommitID)
	}
	return fmt.Sprintf("gitprovider: unknown commit %q", e.CommitID)
}

// Static is an in-memory Provider fixture: a fixed map of commit id to
// entries, and OID to blob bytes, shared across all commits (test
// fixtures rarely need per-commit blob namespacing).
type Static struct {
	Entries map[string][]Entry
	Blobs   map[string][]byte
}

// NewStatic returns an empty fixture.
func NewStatic() *Static {
	return &Static{Entries: make(map[string][]Entry), Blobs: make(map[string][]byte)}
}

// AddCommit registers a commit's entries for later lookup.
func (s *Static) AddCommit(commitID string, entries []Entry) {
	s.Entries[commitID] = entries
}

// AddBlob registers a blob's content under oid, visible to every
// commit (Static does not namespace blobs per commit).
func (s *Static) AddBlob(oid string, content []byte) {
	s.Blobs[oid] = content
}

func (s *Static) BaseEntries(ctx context.Context, commitID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, ok := s.Entries[commitID]
	if !ok {
		return nil, ErrNotFound{CommitID: commitID}
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Static) BaseText(ctx context.Context, commitID, oid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blob, ok := s.Blobs[oid]
	if !ok {
		return nil, ErrNotFound{CommitID: commitID, OID: oid}
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}
