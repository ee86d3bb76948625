package store

import (
	"context"
	"fmt"
	"sync"
)

type docRecord struct {
	latest    int
	steps     []Step     // version ascending; may not start at 1 after pruning
	snapshots []Snapshot // version ascending
}

func (r *docRecord) latestSnapshot() *Snapshot {
	if len(r.snapshots) == 0 {
		return nil
	}
	return &r.snapshots[len(r.snapshots)-1]
}

// MemoryStore is an in-memory implementation of DocumentStore. A single
// mutex guards all documents; SubmitSteps holds the write lock across its
// read-compare-append, which is the compare-and-swap the contract requires.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return fmt.Errorf("create %q: %w", id, ErrExists)
	}
	s.docs[id] = &docRecord{
		snapshots: []Snapshot{{Version: 0, Content: content}},
	}
	return nil
}

func (s *MemoryStore) LatestVersion(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return 0, fmt.Errorf("latest version of %q: %w", id, ErrNotFound)
	}
	return rec.latest, nil
}

func (s *MemoryStore) GetSteps(_ context.Context, id string, sinceVersion int) ([]Step, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, 0, fmt.Errorf("get steps of %q: %w", id, ErrNotFound)
	}
	if sinceVersion < 0 || sinceVersion > rec.latest {
		return nil, 0, fmt.Errorf("get steps of %q: invalid version %d (latest %d)", id, sinceVersion, rec.latest)
	}
	steps, err := rec.stepsAfter(sinceVersion)
	if err != nil {
		return nil, 0, fmt.Errorf("get steps of %q: %w", id, err)
	}
	return steps, rec.latest, nil
}

// stepsAfter returns copies of all retained steps strictly after version, or
// ErrHistoryPruned when part of that range has been compacted away.
func (r *docRecord) stepsAfter(version int) ([]Step, error) {
	if version == r.latest {
		return nil, nil
	}
	out := make([]Step, 0, r.latest-version)
	for _, st := range r.steps {
		if st.Version > version {
			out = append(out, st)
		}
	}
	// A gap between the requested range and what is retained means the
	// history was compacted; the caller must reconstruct from a snapshot.
	if len(out) != r.latest-version || out[0].Version != version+1 {
		return nil, ErrHistoryPruned
	}
	return out, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, id string, atVersion int) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("get snapshot of %q: %w", id, ErrNotFound)
	}
	for i := len(rec.snapshots) - 1; i >= 0; i-- {
		snap := rec.snapshots[i]
		if atVersion < 0 || snap.Version <= atVersion {
			cp := snap
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) SubmitSteps(_ context.Context, id, clientID string, baseVersion int, payloads []string) (*SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("submit steps to %q: %w", id, ErrNotFound)
	}
	if baseVersion < 0 || baseVersion > rec.latest {
		return nil, fmt.Errorf("submit steps to %q: invalid base version %d (latest %d)", id, baseVersion, rec.latest)
	}

	if baseVersion != rec.latest {
		missed, err := rec.stepsAfter(baseVersion)
		if err != nil {
			return nil, fmt.Errorf("submit steps to %q: %w", id, err)
		}
		return &SubmitResult{Status: StatusNeedsRebase, Steps: missed}, nil
	}

	for i, payload := range payloads {
		rec.steps = append(rec.steps, Step{
			Version:  baseVersion + i + 1,
			ClientID: clientID,
			Payload:  payload,
		})
	}
	rec.latest += len(payloads)
	return &SubmitResult{Status: StatusSynced}, nil
}

func (s *MemoryStore) SubmitSnapshot(_ context.Context, id string, version int, content string, pruneOlder bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("submit snapshot to %q: %w", id, ErrNotFound)
	}
	if version > rec.latest {
		return fmt.Errorf("submit snapshot to %q: version %d ahead of latest %d", id, version, rec.latest)
	}
	if last := rec.latestSnapshot(); last != nil && last.Version >= version {
		return fmt.Errorf("submit snapshot to %q at v%d: %w", id, version, ErrStaleSnapshot)
	}

	rec.snapshots = append(rec.snapshots, Snapshot{Version: version, Content: content})

	if pruneOlder {
		// Everything at or below the new snapshot's version is reconstructable
		// from it, so both older snapshots and the steps they cover can go.
		kept := rec.snapshots[:0]
		for _, snap := range rec.snapshots {
			if snap.Version >= version {
				kept = append(kept, snap)
			}
		}
		rec.snapshots = kept

		steps := rec.steps[:0]
		for _, st := range rec.steps {
			if st.Version > version {
				steps = append(steps, st)
			}
		}
		rec.steps = steps
	}
	return nil
}

func (s *MemoryStore) DeleteSteps(_ context.Context, id string, opts DeleteStepsOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("delete steps of %q: %w", id, ErrNotFound)
	}
	snapVersion := -1
	if snap := rec.latestSnapshot(); snap != nil {
		snapVersion = snap.Version
	}

	kept := rec.steps[:0]
	for _, st := range rec.steps {
		if stepMatchesDelete(st.Version, snapVersion, opts) {
			continue
		}
		kept = append(kept, st)
	}
	rec.steps = kept
	return nil
}

func stepMatchesDelete(version, latestSnapshot int, opts DeleteStepsOptions) bool {
	if opts.BeforeVersion > 0 && version >= opts.BeforeVersion {
		return false
	}
	if opts.AfterVersion > 0 && version <= opts.AfterVersion {
		return false
	}
	if opts.NewerThanSnapshotOnly && version <= latestSnapshot {
		return false
	}
	return true
}

func (s *MemoryStore) DeleteSnapshots(_ context.Context, id string, opts DeleteSnapshotsOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("delete snapshots of %q: %w", id, ErrNotFound)
	}
	kept := rec.snapshots[:0]
	for _, snap := range rec.snapshots {
		if snapshotMatchesDelete(snap.Version, opts) {
			continue
		}
		kept = append(kept, snap)
	}
	rec.snapshots = kept
	return nil
}

func snapshotMatchesDelete(version int, opts DeleteSnapshotsOptions) bool {
	if opts.BeforeVersion > 0 && version >= opts.BeforeVersion {
		return false
	}
	if opts.AfterVersion > 0 && version <= opts.AfterVersion {
		return false
	}
	return true
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	delete(s.docs, id)
	return nil
}
