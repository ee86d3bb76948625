// Package store holds the durable record of each document's step history and
// snapshots. The store is the only component that advances a document's
// latest version, and SubmitSteps is the single serialization point the
// whole protocol's consistency rests on.
package store

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound      = errors.New("document not found")
	ErrExists        = errors.New("document already exists")
	ErrStaleSnapshot = errors.New("snapshot is stale")
	ErrHistoryPruned = errors.New("step history pruned before requested version")
)

// Step is one accepted edit in a document's history. Version is the slot the
// step was assigned at acceptance, counting from 1. Payload is opaque to the
// store; only the step codec can interpret it.
type Step struct {
	Version  int
	ClientID string
	Payload  string
}

// Snapshot is a full materialized content state at a specific version.
type Snapshot struct {
	Version int
	Content string
}

// Submission outcomes.
const (
	StatusSynced      = "synced"
	StatusNeedsRebase = "needs-rebase"
)

// SubmitResult reports the outcome of a step submission. On needs-rebase,
// Steps holds every step accepted after the submitted base version, in
// version order with no gaps, including the submitter's own steps when a
// retried submission races its earlier self.
type SubmitResult struct {
	Status string
	Steps  []Step
}

// DeleteStepsOptions selects which steps to prune. BeforeVersion and
// AfterVersion bound the version range (exclusive); zero means unbounded.
// NewerThanSnapshotOnly restricts deletion to steps newer than the latest
// snapshot's version, i.e. the un-snapshotted tail.
type DeleteStepsOptions struct {
	BeforeVersion         int
	AfterVersion          int
	NewerThanSnapshotOnly bool
}

// DeleteSnapshotsOptions selects which snapshots to prune by exclusive
// version bounds; zero means unbounded.
type DeleteSnapshotsOptions struct {
	BeforeVersion int
	AfterVersion  int
}

// DocumentStore abstracts document persistence.
// Implementations: MemoryStore, SQLiteStore, FirestoreStore.
//
// SubmitSteps must be atomic per document: no two submissions may both
// observe the same base version as current and both succeed. All operations
// return ErrNotFound for unknown documents.
type DocumentStore interface {
	// Create registers a new document at version 0 with the given initial
	// content, recorded as a snapshot at version 0.
	Create(ctx context.Context, id, content string) error

	// LatestVersion returns the document's current version.
	LatestVersion(ctx context.Context, id string) (int, error)

	// GetSteps returns all steps strictly after sinceVersion in version
	// order, plus the current latest version. Returns ErrHistoryPruned when
	// steps in that range have been compacted away; the caller must fall
	// back to snapshot plus newer steps.
	GetSteps(ctx context.Context, id string, sinceVersion int) ([]Step, int, error)

	// GetSnapshot returns the most recent snapshot at or before atVersion.
	// Pass atVersion < 0 for the newest snapshot. Returns (nil, nil) when
	// the document exists but has no snapshot in range.
	GetSnapshot(ctx context.Context, id string, atVersion int) (*Snapshot, error)

	// SubmitSteps is the serialization point. If baseVersion equals the
	// current latest version the steps are appended atomically, assigned
	// versions baseVersion+1..baseVersion+N, and the result is synced.
	// Otherwise the result is needs-rebase carrying every step accepted
	// after baseVersion. Rejection is never an error.
	SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*SubmitResult, error)

	// SubmitSnapshot records a snapshot at the given version, which must be
	// at or behind the current latest version. Returns ErrStaleSnapshot if a
	// snapshot at the same or newer version already exists. When pruneOlder
	// is set, snapshots and steps superseded by the new snapshot are
	// deleted after it is durably recorded.
	SubmitSnapshot(ctx context.Context, id string, version int, content string, pruneOlder bool) error

	DeleteSteps(ctx context.Context, id string, opts DeleteStepsOptions) error
	DeleteSnapshots(ctx context.Context, id string, opts DeleteSnapshotsOptions) error
	DeleteDocument(ctx context.Context, id string) error
}
