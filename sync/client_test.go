package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/teamhub/docsync/codec"
	"github.com/teamhub/docsync/store"
)

func newClientPair(t *testing.T) (*Server, *Client, *Client) {
	t.Helper()
	srv := NewServer(store.NewMemoryStore(), codec.TextCodec{}, nil)
	ctx := context.Background()
	if err := srv.Create(ctx, "doc1", ""); err != nil {
		t.Fatal(err)
	}
	a := NewClient(srv, codec.TextCodec{}, "doc1", "alice")
	b := NewClient(srv, codec.TextCodec{}, "doc1", "bob")
	if err := a.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Load(ctx); err != nil {
		t.Fatal(err)
	}
	return srv, a, b
}

func mustEdit(t *testing.T, c *Client, pos int, text string) {
	t.Helper()
	if err := c.Edit(codec.EncodeOperation(codec.NewInsert(pos, text, len(c.Content())))); err != nil {
		t.Fatal(err)
	}
}

func mustSync(t *testing.T, c *Client) {
	t.Helper()
	if err := c.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestClient_EditAndSync(t *testing.T) {
	srv, a, _ := newClientPair(t)

	mustEdit(t, a, 0, "hi")
	if a.Content() != "hi" {
		t.Errorf("optimistic content = %q", a.Content())
	}
	if a.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", a.PendingCount())
	}

	mustSync(t, a)
	if a.State() != StateIdle || a.KnownVersion() != 1 || a.PendingCount() != 0 {
		t.Errorf("after sync: state=%s version=%d pending=%d", a.State(), a.KnownVersion(), a.PendingCount())
	}

	content, version, err := srv.Content(context.Background(), "doc1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hi" || version != 1 {
		t.Errorf("server content = %q at v%d", content, version)
	}
}

// TestClient_ConcurrentInsertsRebase is the canonical two-writer scenario:
// both start from the empty document, alice commits "hello" first, and bob's
// "world" is rebased behind it so both converge on "helloworld".
func TestClient_ConcurrentInsertsRebase(t *testing.T) {
	_, a, b := newClientPair(t)

	mustEdit(t, a, 0, "hello")
	mustEdit(t, b, 0, "world")

	mustSync(t, a)
	mustSync(t, b)

	if b.Content() != "helloworld" {
		t.Errorf("bob content = %q, want %q", b.Content(), "helloworld")
	}
	if b.KnownVersion() != 2 || b.PendingCount() != 0 {
		t.Errorf("bob version=%d pending=%d", b.KnownVersion(), b.PendingCount())
	}

	if err := a.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.Content() != "helloworld" {
		t.Errorf("alice content = %q, want %q", a.Content(), "helloworld")
	}
}

func TestClient_Convergence(t *testing.T) {
	srv, a, b := newClientPair(t)
	c := NewClient(srv, codec.TextCodec{}, "doc1", "carol")
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	mustEdit(t, a, 0, "aa")
	mustEdit(t, b, 0, "b")
	mustEdit(t, c, 0, "ccc")

	mustSync(t, b)
	mustSync(t, c)
	mustSync(t, a)
	mustEdit(t, b, 0, "B")
	mustSync(t, b)

	clients := []*Client{a, b, c}
	for _, cl := range clients {
		if err := cl.Poll(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	want := clients[0].Content()
	for _, cl := range clients[1:] {
		if cl.Content() != want {
			t.Errorf("%s content = %q, %s content = %q", clients[0].ClientID(), want, cl.ClientID(), cl.Content())
		}
	}

	// Every character every client typed survived.
	server, _, err := srv.Content(context.Background(), "doc1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if server != want {
		t.Errorf("server content = %q, clients = %q", server, want)
	}
	if len(server) != 7 {
		t.Errorf("server content = %q, want 7 characters (no lost updates)", server)
	}
}

// flakyTransport commits the first submission on the underlying server but
// reports a transport error, simulating a response lost to a timeout.
type flakyTransport struct {
	Transport
	dropped bool
}

func (f *flakyTransport) SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*store.SubmitResult, error) {
	res, err := f.Transport.SubmitSteps(ctx, id, clientID, baseVersion, payloads)
	if err == nil && !f.dropped {
		f.dropped = true
		return nil, errors.New("timeout awaiting response")
	}
	return res, err
}

// TestClient_RetryAfterLostResponse exercises the idempotent-retry property:
// a submission whose response was lost is retried identically, the server
// echoes it back with our client ID, and the step is not applied twice.
func TestClient_RetryAfterLostResponse(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), codec.TextCodec{}, nil)
	ctx := context.Background()
	if err := srv.Create(ctx, "doc1", ""); err != nil {
		t.Fatal(err)
	}

	a := NewClient(&flakyTransport{Transport: srv}, codec.TextCodec{}, "doc1", "alice")
	if err := a.Load(ctx); err != nil {
		t.Fatal(err)
	}
	mustEdit(t, a, 0, "hi")

	// First sync: the commit lands but the response is lost. The client
	// stays in StateSubmitting with the step still pending.
	if err := a.Sync(ctx); err == nil {
		t.Fatal("expected transport error")
	}
	if a.State() != StateSubmitting || a.PendingCount() != 1 {
		t.Fatalf("after failure: state=%s pending=%d", a.State(), a.PendingCount())
	}

	// Retry: the server rejects the stale base and echoes our own step,
	// which retires the pending entry without re-applying it.
	mustSync(t, a)
	if a.KnownVersion() != 1 || a.PendingCount() != 0 {
		t.Errorf("after retry: version=%d pending=%d", a.KnownVersion(), a.PendingCount())
	}
	if a.Content() != "hi" {
		t.Errorf("content = %q, want %q (step must not apply twice)", a.Content(), "hi")
	}

	content, version, err := srv.Content(ctx, "doc1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hi" || version != 1 {
		t.Errorf("server content = %q at v%d", content, version)
	}
}

// failOnceTransport fails the first submission without committing anything.
type failOnceTransport struct {
	Transport
	failed bool
}

func (f *failOnceTransport) SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*store.SubmitResult, error) {
	if !f.failed {
		f.failed = true
		return nil, errors.New("connection refused")
	}
	return f.Transport.SubmitSteps(ctx, id, clientID, baseVersion, payloads)
}

// TestClient_RemoteStepsDeferredWhileSubmitting: steps pushed while a
// submission is in flight must not rebase a moving target; they are held and
// folded in once the submission settles.
func TestClient_RemoteStepsDeferredWhileSubmitting(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), codec.TextCodec{}, nil)
	ctx := context.Background()
	if err := srv.Create(ctx, "doc1", ""); err != nil {
		t.Fatal(err)
	}

	a := NewClient(&failOnceTransport{Transport: srv}, codec.TextCodec{}, "doc1", "alice")
	b := NewClient(srv, codec.TextCodec{}, "doc1", "bob")
	for _, cl := range []*Client{a, b} {
		if err := cl.Load(ctx); err != nil {
			t.Fatal(err)
		}
	}

	mustEdit(t, a, 0, "hello")
	if err := a.Sync(ctx); err == nil {
		t.Fatal("expected transport error")
	}

	// Bob commits while alice is stuck submitting; the push to alice is
	// deferred, not applied.
	mustEdit(t, b, 0, "world")
	mustSync(t, b)
	steps, _, err := srv.GetSteps(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReceiveRemote(steps); err != nil {
		t.Fatal(err)
	}
	if a.KnownVersion() != 0 {
		t.Fatalf("deferred step advanced version to %d", a.KnownVersion())
	}

	// The retry rebases over bob's step and commits; the deferred push is
	// then already covered by the advanced version.
	mustSync(t, a)
	if a.Content() != "worldhello" {
		t.Errorf("alice content = %q, want %q", a.Content(), "worldhello")
	}
	if a.KnownVersion() != 2 || a.PendingCount() != 0 {
		t.Errorf("version=%d pending=%d", a.KnownVersion(), a.PendingCount())
	}
}

func TestClient_ReceiveRemoteWhileIdle(t *testing.T) {
	srv, a, b := newClientPair(t)

	mustEdit(t, b, 0, "yo")
	mustSync(t, b)

	steps, _, err := srv.GetSteps(context.Background(), "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReceiveRemote(steps); err != nil {
		t.Fatal(err)
	}
	if a.Content() != "yo" || a.KnownVersion() != 1 {
		t.Errorf("content = %q at v%d", a.Content(), a.KnownVersion())
	}

	// Redelivery of the same steps is a no-op.
	if err := a.ReceiveRemote(steps); err != nil {
		t.Fatal(err)
	}
	if a.Content() != "yo" || a.KnownVersion() != 1 {
		t.Errorf("after redelivery: content = %q at v%d", a.Content(), a.KnownVersion())
	}
}

// TestClient_ReceiveRemoteRebasesPendingEdits: a remote step that arrives
// while the client is idle with unsubmitted edits must rebase the pending
// queue, not clobber it. The edit stays visible, the next sync submits the
// transformed step, and every replica converges.
func TestClient_ReceiveRemoteRebasesPendingEdits(t *testing.T) {
	srv, a, b := newClientPair(t)
	ctx := context.Background()

	mustEdit(t, a, 0, "hello")
	mustEdit(t, b, 0, "world")
	mustSync(t, b)

	steps, _, err := srv.GetSteps(ctx, "doc1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ReceiveRemote(steps); err != nil {
		t.Fatal(err)
	}
	if a.Content() != "worldhello" {
		t.Errorf("alice content = %q, want %q", a.Content(), "worldhello")
	}
	if a.PendingCount() != 1 || a.KnownVersion() != 1 {
		t.Errorf("pending=%d version=%d, want 1/1", a.PendingCount(), a.KnownVersion())
	}

	// The pending step was rebased, so the submission lands cleanly on the
	// advanced base instead of poisoning the history with a stale payload.
	mustSync(t, a)
	if a.KnownVersion() != 2 || a.PendingCount() != 0 {
		t.Errorf("after sync: version=%d pending=%d", a.KnownVersion(), a.PendingCount())
	}

	if err := b.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if b.Content() != "worldhello" {
		t.Errorf("bob content = %q, want %q", b.Content(), "worldhello")
	}

	content, version, err := srv.Content(ctx, "doc1", -1)
	if err != nil {
		t.Fatal(err)
	}
	if content != "worldhello" || version != 2 {
		t.Errorf("server content = %q at v%d", content, version)
	}
}

func TestClient_ReceiveRemoteGap(t *testing.T) {
	_, a, _ := newClientPair(t)

	err := a.ReceiveRemote([]store.Step{{Version: 3, ClientID: "bob", Payload: "whatever"}})
	if err == nil {
		t.Error("expected error for non-contiguous remote step")
	}
}

func TestClient_InitializeFlow(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), codec.TextCodec{}, nil)
	ctx := context.Background()

	a := NewClient(srv, codec.TextCodec{}, "fresh", "alice")
	if err := a.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", a.State())
	}

	// Editing before the document exists is invalid.
	if err := a.Edit(codec.EncodeOperation(codec.NewInsert(0, "x", 0))); err == nil {
		t.Error("expected error editing an uninitialized document")
	}

	if err := a.Initialize(ctx, "seed"); err != nil {
		t.Fatal(err)
	}
	if a.State() != StateIdle || a.Content() != "seed" || a.KnownVersion() != 0 {
		t.Errorf("state=%s content=%q version=%d", a.State(), a.Content(), a.KnownVersion())
	}

	// Initialize is only valid from uninitialized.
	if err := a.Initialize(ctx, "again"); err == nil {
		t.Error("expected error initializing twice")
	}
}

func TestClient_LoadFromSnapshotAndSteps(t *testing.T) {
	srv, a, _ := newClientPair(t)
	ctx := context.Background()

	mustEdit(t, a, 0, "abc")
	mustSync(t, a)
	mustEdit(t, a, 3, "def")
	mustSync(t, a)
	if err := srv.SubmitSnapshot(ctx, "doc1", 1, "abc", true); err != nil {
		t.Fatal(err)
	}

	// A new client reconstructs from the snapshot plus the newer step.
	c := NewClient(srv, codec.TextCodec{}, "doc1", "carol")
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Content() != "abcdef" || c.KnownVersion() != 2 {
		t.Errorf("content = %q at v%d, want %q at v2", c.Content(), c.KnownVersion(), "abcdef")
	}
}

func TestClient_Reload(t *testing.T) {
	_, a, b := newClientPair(t)
	ctx := context.Background()

	mustEdit(t, b, 0, "server side")
	mustSync(t, b)

	// Alice has an unsubmitted edit she abandons by reloading.
	mustEdit(t, a, 0, "scratch")
	if err := a.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if a.Content() != "server side" || a.PendingCount() != 0 || a.KnownVersion() != 1 {
		t.Errorf("content=%q pending=%d version=%d", a.Content(), a.PendingCount(), a.KnownVersion())
	}
}

func TestClient_EditDuringSubmitIsQueued(t *testing.T) {
	srv := NewServer(store.NewMemoryStore(), codec.TextCodec{}, nil)
	ctx := context.Background()
	if err := srv.Create(ctx, "doc1", ""); err != nil {
		t.Fatal(err)
	}
	a := NewClient(&failOnceTransport{Transport: srv}, codec.TextCodec{}, "doc1", "alice")
	if err := a.Load(ctx); err != nil {
		t.Fatal(err)
	}

	mustEdit(t, a, 0, "ab")
	if err := a.Sync(ctx); err == nil {
		t.Fatal("expected transport error")
	}

	// Still submitting, but local edits keep flowing.
	mustEdit(t, a, 2, "cd")
	if a.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2", a.PendingCount())
	}

	mustSync(t, a)
	if a.Content() != "abcd" || a.KnownVersion() != 2 || a.PendingCount() != 0 {
		t.Errorf("content=%q version=%d pending=%d", a.Content(), a.KnownVersion(), a.PendingCount())
	}
}
