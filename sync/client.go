package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/teamhub/docsync/codec"
	"github.com/teamhub/docsync/store"
)

// State is the client's position in the per-document sync state machine.
type State int

const (
	StateLoading State = iota
	StateUninitialized
	StateIdle
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUninitialized:
		return "uninitialized"
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	}
	return "unknown"
}

// Transport is the protocol surface a client needs. *Server satisfies it
// directly; a remote client would satisfy it over HTTP.
type Transport interface {
	Create(ctx context.Context, id, content string) error
	GetSnapshot(ctx context.Context, id string, atVersion int) (*store.Snapshot, error)
	GetSteps(ctx context.Context, id string, sinceVersion int) ([]store.Step, int, error)
	SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*store.SubmitResult, error)
}

// Client is the per-document local agent. It holds an optimistic local
// content, buffers steps the server has not confirmed, and drives the
// submit/rebase loop. All methods must be called from a single goroutine;
// one Client serves one open document.
type Client struct {
	docID     string
	clientID  string
	transport Transport
	codec     codec.Codec

	state            State
	knownVersion     int
	confirmedContent string
	localContent     string
	pending          []string
	deferred         []store.Step
}

func NewClient(transport Transport, c codec.Codec, docID, clientID string) *Client {
	return &Client{
		docID:     docID,
		clientID:  clientID,
		transport: transport,
		codec:     c,
		state:     StateLoading,
	}
}

func (c *Client) State() State      { return c.state }
func (c *Client) KnownVersion() int { return c.knownVersion }
func (c *Client) Content() string   { return c.localContent }
func (c *Client) PendingCount() int { return len(c.pending) }
func (c *Client) ClientID() string  { return c.clientID }

// Load fetches the latest snapshot and any steps since it, reconstructing
// the local state. A document that does not exist yet leaves the client in
// StateUninitialized; Initialize must be called before editing.
func (c *Client) Load(ctx context.Context) error {
	snap, err := c.transport.GetSnapshot(ctx, c.docID, -1)
	if errors.Is(err, store.ErrNotFound) {
		c.state = StateUninitialized
		return nil
	}
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &store.Snapshot{}
	}

	steps, latest, err := c.transport.GetSteps(ctx, c.docID, snap.Version)
	if err != nil {
		return err
	}
	content := snap.Content
	for _, st := range steps {
		content, err = c.codec.Apply(content, st.Payload)
		if err != nil {
			return fmt.Errorf("load %q at v%d: %w", c.docID, st.Version, err)
		}
	}

	c.confirmedContent = content
	c.localContent = content
	c.knownVersion = latest
	c.pending = nil
	c.state = StateIdle
	return c.drainDeferred()
}

// Initialize creates the document with the given content and loads it.
// Only valid in StateUninitialized.
func (c *Client) Initialize(ctx context.Context, content string) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("initialize %q: state is %s", c.docID, c.state)
	}
	if err := c.transport.Create(ctx, c.docID, content); err != nil {
		return err
	}
	c.state = StateLoading
	return c.Load(ctx)
}

// Reload discards all local state, pending edits included, and loads fresh.
// This is the recovery path after a codec error.
func (c *Client) Reload(ctx context.Context) error {
	c.pending = nil
	c.deferred = nil
	c.state = StateLoading
	return c.Load(ctx)
}

// Edit applies a local step optimistically and queues it for submission.
// The step must be valid against the current local content.
func (c *Client) Edit(payload string) error {
	if c.state != StateIdle && c.state != StateSubmitting {
		return fmt.Errorf("edit %q: state is %s", c.docID, c.state)
	}
	next, err := c.codec.Apply(c.localContent, payload)
	if err != nil {
		return err
	}
	c.localContent = next
	c.pending = append(c.pending, payload)
	return nil
}

// Sync submits pending steps until the server confirms them all, rebasing
// on rejection. Exactly one submission is in flight at a time. A transport
// error leaves the client in StateSubmitting with its pending buffer and
// known version untouched, so calling Sync again retries the identical
// submission; the server's clientId echo makes that retry idempotent.
func (c *Client) Sync(ctx context.Context) error {
	if c.state != StateIdle && c.state != StateSubmitting {
		return fmt.Errorf("sync %q: state is %s", c.docID, c.state)
	}

	for len(c.pending) > 0 {
		c.state = StateSubmitting
		res, err := c.transport.SubmitSteps(ctx, c.docID, c.clientID, c.knownVersion, c.pending)
		if err != nil {
			return err
		}

		switch res.Status {
		case store.StatusSynced:
			c.knownVersion += len(c.pending)
			c.confirmedContent = c.localContent
			c.pending = nil
		case store.StatusNeedsRebase:
			if err := c.rebase(res.Steps); err != nil {
				return err
			}
		default:
			return fmt.Errorf("sync %q: unknown submit status %q", c.docID, res.Status)
		}
	}

	c.state = StateIdle
	return c.drainDeferred()
}

// rebase folds the steps the server accepted ahead of us into the confirmed
// base and transforms every pending step to remain valid against it.
//
// Steps carrying our own client ID are echoes of an earlier submission that
// a timeout hid from us: they are already reflected in localContent, so they
// only advance the confirmed base and retire the matching pending entry.
// Steps from other clients are applied to the confirmed base; each pending
// step is transformed against the remote step while the remote step is
// carried past it, keeping both sides consistent through the whole queue.
func (c *Client) rebase(missed []store.Step) error {
	for _, st := range missed {
		if st.Version <= c.knownVersion {
			continue
		}

		if st.ClientID == c.clientID {
			next, err := c.codec.Apply(c.confirmedContent, st.Payload)
			if err != nil {
				return fmt.Errorf("rebase %q at v%d: %w", c.docID, st.Version, err)
			}
			c.confirmedContent = next
			if len(c.pending) > 0 && c.pending[0] == st.Payload {
				c.pending = c.pending[1:]
			}
			c.knownVersion = st.Version
			continue
		}

		if err := c.foldRemote(st); err != nil {
			return fmt.Errorf("rebase %q at v%d: %w", c.docID, st.Version, err)
		}
	}
	if err := c.replayPending(); err != nil {
		return fmt.Errorf("rebase %q: replay pending: %w", c.docID, err)
	}
	return nil
}

// foldRemote transforms every pending step past one remote step, carrying
// the remote through the queue, then applies the original remote to the
// confirmed base and advances the known version.
func (c *Client) foldRemote(st store.Step) error {
	remote := st.Payload
	for i := range c.pending {
		local, carried, err := c.codec.Transform(c.pending[i], remote)
		if err != nil {
			return err
		}
		c.pending[i] = local
		remote = carried
	}
	next, err := c.codec.Apply(c.confirmedContent, st.Payload)
	if err != nil {
		return err
	}
	c.confirmedContent = next
	c.knownVersion = st.Version
	return nil
}

// replayPending recomputes the optimistic state from the confirmed base and
// the (possibly rebased) pending queue.
func (c *Client) replayPending() error {
	content := c.confirmedContent
	for _, payload := range c.pending {
		var err error
		content, err = c.codec.Apply(content, payload)
		if err != nil {
			return err
		}
	}
	c.localContent = content
	return nil
}

// ReceiveRemote folds in steps pushed by the server. While a submission is
// in flight (or a load is running) the steps are deferred and applied at
// the next sync point, so the rebase never races a moving base.
func (c *Client) ReceiveRemote(steps []store.Step) error {
	if c.state != StateIdle {
		c.deferred = append(c.deferred, steps...)
		return nil
	}
	return c.applyRemote(steps)
}

// Poll fetches steps accepted since the known version and folds them in.
// This is the pull-based fallback when no push channel is connected, and
// the recovery path when a push channel dropped steps.
func (c *Client) Poll(ctx context.Context) error {
	if c.state != StateIdle {
		return nil
	}
	steps, _, err := c.transport.GetSteps(ctx, c.docID, c.knownVersion)
	if err != nil {
		return err
	}
	return c.applyRemote(steps)
}

func (c *Client) drainDeferred() error {
	deferred := c.deferred
	c.deferred = nil
	return c.applyRemote(deferred)
}

// applyRemote folds steps from other clients into the confirmed base. Any
// pending local edits are rebased past each step so they stay valid against
// the new base, and the optimistic state is replayed on top afterwards.
func (c *Client) applyRemote(steps []store.Step) error {
	applied := false
	for _, st := range steps {
		if st.Version <= c.knownVersion || st.ClientID == c.clientID {
			continue
		}
		if st.Version != c.knownVersion+1 {
			return fmt.Errorf("apply remote to %q: gap at v%d (known v%d)", c.docID, st.Version, c.knownVersion)
		}
		if err := c.foldRemote(st); err != nil {
			return fmt.Errorf("apply remote to %q at v%d: %w", c.docID, st.Version, err)
		}
		applied = true
	}
	if !applied {
		return nil
	}
	if err := c.replayPending(); err != nil {
		return fmt.Errorf("apply remote to %q: replay pending: %w", c.docID, err)
	}
	return nil
}
