// Package sync implements the collaborative document synchronization
// protocol: a server that serializes step acceptance over a document store,
// and a client that keeps an optimistic local state and rebases pending
// steps when someone else commits first.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/teamhub/docsync/codec"
	"github.com/teamhub/docsync/store"
)

// Broadcaster receives steps the server has accepted, for fan-out to
// subscribed clients. Implementations must not block.
type Broadcaster interface {
	BroadcastSteps(docID string, steps []store.Step)
}

// Server is the protocol authority. It is a thin layer over the document
// store: the store's SubmitSteps compare-and-swap provides the consistency
// guarantee, and the server adds the rebase response contract, snapshot
// policy, and broadcast of accepted steps.
type Server struct {
	store       store.DocumentStore
	codec       codec.Codec
	policy      *Policy
	broadcaster Broadcaster
}

func NewServer(st store.DocumentStore, c codec.Codec, policy *Policy) *Server {
	return &Server{store: st, codec: c, policy: policy}
}

// SetBroadcaster wires the fan-out target. Call before serving traffic.
func (s *Server) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

func (s *Server) Create(ctx context.Context, id, content string) error {
	return s.store.Create(ctx, id, content)
}

func (s *Server) LatestVersion(ctx context.Context, id string) (int, error) {
	return s.store.LatestVersion(ctx, id)
}

func (s *Server) GetSteps(ctx context.Context, id string, sinceVersion int) ([]store.Step, int, error) {
	return s.store.GetSteps(ctx, id, sinceVersion)
}

func (s *Server) GetSnapshot(ctx context.Context, id string, atVersion int) (*store.Snapshot, error) {
	return s.store.GetSnapshot(ctx, id, atVersion)
}

// SubmitSteps forwards a client submission to the store. A synced result
// triggers broadcast of the accepted steps and, when enough history has
// accumulated, a policy-driven snapshot. A needs-rebase result carries every
// step accepted after the submitted base so the client can always converge.
func (s *Server) SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*store.SubmitResult, error) {
	res, err := s.store.SubmitSteps(ctx, id, clientID, baseVersion, payloads)
	if err != nil {
		return nil, err
	}
	if res.Status != store.StatusSynced || len(payloads) == 0 {
		return res, nil
	}

	if s.broadcaster != nil {
		accepted := make([]store.Step, len(payloads))
		for i, payload := range payloads {
			accepted[i] = store.Step{
				Version:  baseVersion + i + 1,
				ClientID: clientID,
				Payload:  payload,
			}
		}
		s.broadcaster.BroadcastSteps(id, accepted)
	}

	s.maybeSnapshot(ctx, id)
	return res, nil
}

// SubmitSnapshot delegates to the store. Losing a snapshot race is harmless
// (the newer snapshot wins and steps remain the source of truth), so a
// stale snapshot is logged and ignored rather than surfaced.
func (s *Server) SubmitSnapshot(ctx context.Context, id string, version int, content string, pruneOlder bool) error {
	err := s.store.SubmitSnapshot(ctx, id, version, content, pruneOlder)
	if errors.Is(err, store.ErrStaleSnapshot) {
		log.Printf("sync: dropping stale snapshot for %q at v%d", id, version)
		return nil
	}
	return err
}

func (s *Server) DeleteDocument(ctx context.Context, id string) error {
	return s.store.DeleteDocument(ctx, id)
}

func (s *Server) DeleteSteps(ctx context.Context, id string, opts store.DeleteStepsOptions) error {
	return s.store.DeleteSteps(ctx, id, opts)
}

func (s *Server) DeleteSnapshots(ctx context.Context, id string, opts store.DeleteSnapshotsOptions) error {
	return s.store.DeleteSnapshots(ctx, id, opts)
}

// Content reconstructs the document content at atVersion (or the latest
// version when atVersion < 0) from the nearest snapshot plus newer steps.
// Returns the content and the version it corresponds to.
func (s *Server) Content(ctx context.Context, id string, atVersion int) (string, int, error) {
	snap, err := s.store.GetSnapshot(ctx, id, atVersion)
	if err != nil {
		return "", 0, err
	}
	if snap == nil {
		return "", 0, fmt.Errorf("reconstruct %q: no snapshot at or before v%d", id, atVersion)
	}

	steps, latest, err := s.store.GetSteps(ctx, id, snap.Version)
	if err != nil {
		return "", 0, err
	}
	content := snap.Content
	version := snap.Version
	for _, st := range steps {
		if atVersion >= 0 && st.Version > atVersion {
			break
		}
		content, err = s.codec.Apply(content, st.Payload)
		if err != nil {
			return "", 0, fmt.Errorf("reconstruct %q at v%d: %w", id, st.Version, err)
		}
		version = st.Version
	}
	if atVersion < 0 {
		version = latest
	}
	return content, version, nil
}

// maybeSnapshot writes a new snapshot when the step history since the last
// one has grown past the policy interval. Failures only cost replay time on
// the next load, so they are logged, not returned.
func (s *Server) maybeSnapshot(ctx context.Context, id string) {
	if s.policy == nil {
		return
	}
	snap, err := s.store.GetSnapshot(ctx, id, -1)
	if err != nil {
		log.Printf("sync: snapshot check for %q: %v", id, err)
		return
	}
	latest, err := s.store.LatestVersion(ctx, id)
	if err != nil {
		log.Printf("sync: snapshot check for %q: %v", id, err)
		return
	}
	since := latest
	if snap != nil {
		since = latest - snap.Version
	}
	if !s.policy.ShouldSnapshot(since) {
		return
	}

	content, version, err := s.Content(ctx, id, -1)
	if err != nil {
		log.Printf("sync: snapshot materialize for %q: %v", id, err)
		return
	}
	if err := s.SubmitSnapshot(ctx, id, version, content, s.policy.Prune()); err != nil {
		log.Printf("sync: snapshot submit for %q at v%d: %v", id, version, err)
	}
}
