package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// runDocumentStoreSuite exercises the DocumentStore contract against any
// backend. Both MemoryStore and SQLiteStore run it.
func runDocumentStoreSuite(t *testing.T, newStore func(t *testing.T) DocumentStore) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", "hello"); err != nil {
			t.Fatal(err)
		}

		version, err := s.LatestVersion(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if version != 0 {
			t.Errorf("version = %d, want 0", version)
		}

		snap, err := s.GetSnapshot(ctx, "doc1", -1)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil || snap.Version != 0 || snap.Content != "hello" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := newStore(t)
		if err := s.Create(ctx, "doc1", ""); err != nil {
			t.Fatal(err)
		}
		if err := s.Create(ctx, "doc1", ""); !errors.Is(err, ErrExists) {
			t.Errorf("err = %v, want ErrExists", err)
		}
	})

	t.Run("unknown document", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.LatestVersion(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("LatestVersion err = %v, want ErrNotFound", err)
		}
		if _, _, err := s.GetSteps(ctx, "nope", 0); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSteps err = %v, want ErrNotFound", err)
		}
		if _, err := s.GetSnapshot(ctx, "nope", -1); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetSnapshot err = %v, want ErrNotFound", err)
		}
		if _, err := s.SubmitSteps(ctx, "nope", "c1", 0, []string{"s"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("SubmitSteps err = %v, want ErrNotFound", err)
		}
		if err := s.DeleteDocument(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteDocument err = %v, want ErrNotFound", err)
		}
	})

	t.Run("submit at current version", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")

		res, err := s.SubmitSteps(ctx, "doc1", "c1", 0, []string{"s1", "s2"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusSynced {
			t.Fatalf("status = %q, want synced", res.Status)
		}

		version, err := s.LatestVersion(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		// A batch of N steps advances the version by N.
		if version != 2 {
			t.Errorf("version = %d, want 2", version)
		}

		steps, latest, err := s.GetSteps(ctx, "doc1", 0)
		if err != nil {
			t.Fatal(err)
		}
		if latest != 2 || len(steps) != 2 {
			t.Fatalf("latest = %d, %d steps", latest, len(steps))
		}
		for i, st := range steps {
			if st.Version != i+1 {
				t.Errorf("step %d version = %d, want %d", i, st.Version, i+1)
			}
			if st.ClientID != "c1" {
				t.Errorf("step %d clientID = %q, want c1", i, st.ClientID)
			}
			if st.Payload != fmt.Sprintf("s%d", i+1) {
				t.Errorf("step %d payload = %q", i, st.Payload)
			}
		}
	})

	t.Run("submit at stale version needs rebase", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "a1", "a2")

		res, err := s.SubmitSteps(ctx, "doc1", "c2", 0, []string{"b1"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusNeedsRebase {
			t.Fatalf("status = %q, want needs-rebase", res.Status)
		}
		if len(res.Steps) != 2 {
			t.Fatalf("got %d missed steps, want 2", len(res.Steps))
		}
		for i, st := range res.Steps {
			if st.Version != i+1 || st.ClientID != "c1" {
				t.Errorf("missed step %d = %+v", i, st)
			}
		}

		// The rejected submission must not have advanced the version.
		version, err := s.LatestVersion(ctx, "doc1")
		if err != nil {
			t.Fatal(err)
		}
		if version != 2 {
			t.Errorf("version = %d, want 2", version)
		}
	})

	t.Run("rebase response includes own echoed steps", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "mine")

		// Retry of the same submission after a timeout: base is stale now,
		// and the response echoes the step with our own client ID.
		res, err := s.SubmitSteps(ctx, "doc1", "c1", 0, []string{"mine"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusNeedsRebase {
			t.Fatalf("status = %q, want needs-rebase", res.Status)
		}
		if len(res.Steps) != 1 || res.Steps[0].ClientID != "c1" || res.Steps[0].Payload != "mine" {
			t.Errorf("unexpected echo: %+v", res.Steps)
		}
	})

	t.Run("get steps since middle version", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "s1", "s2", "s3")

		steps, latest, err := s.GetSteps(ctx, "doc1", 2)
		if err != nil {
			t.Fatal(err)
		}
		if latest != 3 || len(steps) != 1 || steps[0].Version != 3 {
			t.Errorf("latest=%d steps=%+v", latest, steps)
		}

		// Since latest: empty, no error.
		steps, _, err = s.GetSteps(ctx, "doc1", 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(steps) != 0 {
			t.Errorf("got %d steps, want 0", len(steps))
		}

		// Beyond latest: invalid.
		if _, _, err := s.GetSteps(ctx, "doc1", 4); err == nil {
			t.Error("expected error for version beyond latest")
		}
	})

	t.Run("snapshot lifecycle", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "s1", "s2", "s3")

		if err := s.SubmitSnapshot(ctx, "doc1", 2, "content@2", false); err != nil {
			t.Fatal(err)
		}

		snap, err := s.GetSnapshot(ctx, "doc1", -1)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil || snap.Version != 2 || snap.Content != "content@2" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}

		// Point-in-time lookup picks the nearest at-or-before snapshot.
		snap, err = s.GetSnapshot(ctx, "doc1", 1)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil || snap.Version != 0 {
			t.Errorf("snapshot at v1 = %+v, want version 0", snap)
		}

		// A snapshot at or behind the newest one is stale.
		if err := s.SubmitSnapshot(ctx, "doc1", 1, "old", false); !errors.Is(err, ErrStaleSnapshot) {
			t.Errorf("err = %v, want ErrStaleSnapshot", err)
		}
		if err := s.SubmitSnapshot(ctx, "doc1", 2, "again", false); !errors.Is(err, ErrStaleSnapshot) {
			t.Errorf("err = %v, want ErrStaleSnapshot", err)
		}

		// A snapshot ahead of the latest version is rejected outright.
		if err := s.SubmitSnapshot(ctx, "doc1", 9, "future", false); err == nil {
			t.Error("expected error for snapshot ahead of latest version")
		}
	})

	t.Run("snapshot prune compacts history", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "s1", "s2", "s3", "s4")

		if err := s.SubmitSnapshot(ctx, "doc1", 3, "content@3", true); err != nil {
			t.Fatal(err)
		}

		// Steps after the snapshot survive.
		steps, latest, err := s.GetSteps(ctx, "doc1", 3)
		if err != nil {
			t.Fatal(err)
		}
		if latest != 4 || len(steps) != 1 || steps[0].Version != 4 {
			t.Errorf("latest=%d steps=%+v", latest, steps)
		}

		// Steps the snapshot superseded are gone; reading across the gap
		// signals the caller to fall back to the snapshot.
		if _, _, err := s.GetSteps(ctx, "doc1", 0); !errors.Is(err, ErrHistoryPruned) {
			t.Errorf("err = %v, want ErrHistoryPruned", err)
		}

		// The version-0 snapshot was pruned too.
		snap, err := s.GetSnapshot(ctx, "doc1", 1)
		if err != nil {
			t.Fatal(err)
		}
		if snap != nil {
			t.Errorf("snapshot at v1 = %+v, want none", snap)
		}
	})

	t.Run("delete steps newer than snapshot only", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "s1", "s2", "s3")
		if err := s.SubmitSnapshot(ctx, "doc1", 2, "content@2", false); err != nil {
			t.Fatal(err)
		}

		err := s.DeleteSteps(ctx, "doc1", DeleteStepsOptions{NewerThanSnapshotOnly: true})
		if err != nil {
			t.Fatal(err)
		}

		// The un-snapshotted tail (version 3) is gone; a read past the
		// snapshot reports the gap.
		if _, _, err := s.GetSteps(ctx, "doc1", 2); !errors.Is(err, ErrHistoryPruned) {
			t.Errorf("err = %v, want ErrHistoryPruned after tail deletion", err)
		}

		// The snapshot itself still anchors reconstruction.
		snap, err := s.GetSnapshot(ctx, "doc1", -1)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil || snap.Version != 2 || snap.Content != "content@2" {
			t.Errorf("unexpected snapshot: %+v", snap)
		}
	})

	t.Run("delete snapshots by range", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "")
		mustSubmit(t, s, "doc1", "c1", 0, "s1", "s2", "s3")
		if err := s.SubmitSnapshot(ctx, "doc1", 2, "content@2", false); err != nil {
			t.Fatal(err)
		}

		if err := s.DeleteSnapshots(ctx, "doc1", DeleteSnapshotsOptions{BeforeVersion: 2}); err != nil {
			t.Fatal(err)
		}

		snap, err := s.GetSnapshot(ctx, "doc1", 1)
		if err != nil {
			t.Fatal(err)
		}
		if snap != nil {
			t.Errorf("snapshot at v1 = %+v, want none", snap)
		}
		snap, err = s.GetSnapshot(ctx, "doc1", -1)
		if err != nil {
			t.Fatal(err)
		}
		if snap == nil || snap.Version != 2 {
			t.Errorf("latest snapshot = %+v, want version 2", snap)
		}
	})

	t.Run("delete document cascades", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, "doc1", "hello")
		mustSubmit(t, s, "doc1", "c1", 0, "s1")

		if err := s.DeleteDocument(ctx, "doc1"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.LatestVersion(ctx, "doc1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
		if _, err := s.SubmitSteps(ctx, "doc1", "c1", 1, []string{"late"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("submit after delete err = %v, want ErrNotFound", err)
		}
	})
}

func mustCreate(t *testing.T, s DocumentStore, id, content string) {
	t.Helper()
	if err := s.Create(context.Background(), id, content); err != nil {
		t.Fatal(err)
	}
}

func mustSubmit(t *testing.T, s DocumentStore, id, clientID string, base int, payloads ...string) {
	t.Helper()
	res, err := s.SubmitSteps(context.Background(), id, clientID, base, payloads)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSynced {
		t.Fatalf("submit status = %q, want synced", res.Status)
	}
}
