package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of DocumentStore.
// Each document holds its latest version; steps and snapshots live in
// zero-padded subcollections so document-ID ordering is version ordering.
// SubmitSteps and SubmitSnapshot run inside Firestore transactions, whose
// optimistic concurrency gives the compare-and-swap the contract requires.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a FirestoreStore using the given client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) stepsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("steps")
}

func (s *FirestoreStore) snapshotsCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("snapshots")
}

func zeroPad(version int) string {
	return fmt.Sprintf("%010d", version)
}

func (s *FirestoreStore) Create(ctx context.Context, id, content string) error {
	now := time.Now()
	_, err := s.docRef(id).Create(ctx, map[string]interface{}{
		"version":   0,
		"createdAt": now,
		"updatedAt": now,
	})
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("create %q: %w", id, ErrExists)
	}
	if err != nil {
		return err
	}
	_, err = s.snapshotsCollection(id).Doc(zeroPad(0)).Set(ctx, map[string]interface{}{
		"version": 0,
		"content": content,
	})
	return err
}

func (s *FirestoreStore) LatestVersion(ctx context.Context, id string) (int, error) {
	snap, err := s.docRef(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return 0, fmt.Errorf("latest version of %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return docVersion(snap)
}

func docVersion(snap *firestore.DocumentSnapshot) (int, error) {
	v, ok := snap.Data()["version"].(int64)
	if !ok {
		return 0, fmt.Errorf("document %s has no version field", snap.Ref.ID)
	}
	return int(v), nil
}

func snapshotToStep(snap *firestore.DocumentSnapshot) (Step, error) {
	data := snap.Data()
	version, _ := data["version"].(int64)
	clientID, _ := data["clientId"].(string)
	payload, ok := data["payload"].(string)
	if !ok {
		return Step{}, fmt.Errorf("step %s has no payload", snap.Ref.ID)
	}
	return Step{Version: int(version), ClientID: clientID, Payload: payload}, nil
}

// collectSteps drains an iterator of step documents into Step values.
func collectSteps(iter *firestore.DocumentIterator) ([]Step, error) {
	defer iter.Stop()
	var steps []Step
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		st, err := snapshotToStep(snap)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func (s *FirestoreStore) GetSteps(ctx context.Context, id string, sinceVersion int) ([]Step, int, error) {
	// A read-only transaction gives the version and the steps one consistent
	// view; reading them separately could see a commit land in between and
	// misreport it as a pruned history.
	var steps []Step
	var latest int
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("get steps of %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if latest, err = docVersion(snap); err != nil {
			return err
		}
		if sinceVersion < 0 || sinceVersion > latest {
			return fmt.Errorf("get steps of %q: invalid version %d (latest %d)", id, sinceVersion, latest)
		}

		iter := tx.Documents(s.stepsCollection(id).
			OrderBy(firestore.DocumentID, firestore.Asc).
			StartAt(zeroPad(sinceVersion + 1)))
		if steps, err = collectSteps(iter); err != nil {
			return fmt.Errorf("get steps of %q: %w", id, err)
		}
		if len(steps) != latest-sinceVersion || (len(steps) > 0 && steps[0].Version != sinceVersion+1) {
			return fmt.Errorf("get steps of %q: %w", id, ErrHistoryPruned)
		}
		return nil
	}, firestore.ReadOnly)
	if err != nil {
		return nil, 0, err
	}
	return steps, latest, nil
}

func (s *FirestoreStore) GetSnapshot(ctx context.Context, id string, atVersion int) (*Snapshot, error) {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return nil, err
	}

	query := s.snapshotsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1)
	if atVersion >= 0 {
		query = s.snapshotsCollection(id).
			OrderBy(firestore.DocumentID, firestore.Desc).
			StartAt(zeroPad(atVersion)).
			Limit(1)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data := snap.Data()
	version, _ := data["version"].(int64)
	content, _ := data["content"].(string)
	return &Snapshot{Version: int(version), Content: content}, nil
}

func (s *FirestoreStore) SubmitSteps(ctx context.Context, id, clientID string, baseVersion int, payloads []string) (*SubmitResult, error) {
	var result *SubmitResult
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("submit steps to %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		latest, err := docVersion(snap)
		if err != nil {
			return err
		}
		if baseVersion < 0 || baseVersion > latest {
			return fmt.Errorf("submit steps to %q: invalid base version %d (latest %d)", id, baseVersion, latest)
		}

		if baseVersion != latest {
			iter := tx.Documents(s.stepsCollection(id).
				OrderBy(firestore.DocumentID, firestore.Asc).
				StartAt(zeroPad(baseVersion + 1)))
			missed, err := collectSteps(iter)
			if err != nil {
				return err
			}
			if len(missed) != latest-baseVersion {
				return fmt.Errorf("submit steps to %q: %w", id, ErrHistoryPruned)
			}
			result = &SubmitResult{Status: StatusNeedsRebase, Steps: missed}
			return nil
		}

		for i, payload := range payloads {
			version := baseVersion + i + 1
			if err := tx.Create(s.stepsCollection(id).Doc(zeroPad(version)), map[string]interface{}{
				"version":  version,
				"clientId": clientID,
				"payload":  payload,
			}); err != nil {
				return err
			}
		}
		if err := tx.Update(s.docRef(id), []firestore.Update{
			{Path: "version", Value: baseVersion + len(payloads)},
			{Path: "updatedAt", Value: time.Now()},
		}); err != nil {
			return err
		}
		result = &SubmitResult{Status: StatusSynced}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *FirestoreStore) SubmitSnapshot(ctx context.Context, id string, version int, content string, pruneOlder bool) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.docRef(id))
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("submit snapshot to %q: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		latest, err := docVersion(snap)
		if err != nil {
			return err
		}
		if version > latest {
			return fmt.Errorf("submit snapshot to %q: version %d ahead of latest %d", id, version, latest)
		}

		// All reads must come before any write in a Firestore transaction,
		// so gather the newest snapshot and the prune victims up front.
		newestIter := tx.Documents(s.snapshotsCollection(id).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Limit(1))
		newest, err := newestIter.Next()
		newestIter.Stop()
		if err != nil && err != iterator.Done {
			return err
		}
		if err == nil {
			if v, _ := newest.Data()["version"].(int64); int(v) >= version {
				return fmt.Errorf("submit snapshot to %q at v%d: %w", id, version, ErrStaleSnapshot)
			}
		}

		var victims []*firestore.DocumentRef
		if pruneOlder {
			for _, q := range []firestore.Query{
				s.snapshotsCollection(id).
					OrderBy(firestore.DocumentID, firestore.Asc).
					EndBefore(zeroPad(version)),
				s.stepsCollection(id).
					OrderBy(firestore.DocumentID, firestore.Asc).
					EndAt(zeroPad(version)),
			} {
				iter := tx.Documents(q)
				for {
					doc, err := iter.Next()
					if err == iterator.Done {
						break
					}
					if err != nil {
						iter.Stop()
						return err
					}
					victims = append(victims, doc.Ref)
				}
				iter.Stop()
			}
		}

		if err := tx.Create(s.snapshotsCollection(id).Doc(zeroPad(version)), map[string]interface{}{
			"version": version,
			"content": content,
		}); err != nil {
			return err
		}
		for _, ref := range victims {
			if err := tx.Delete(ref); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FirestoreStore) DeleteSteps(ctx context.Context, id string, opts DeleteStepsOptions) error {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return err
	}

	floor := 0
	if opts.NewerThanSnapshotOnly {
		snap, err := s.GetSnapshot(ctx, id, -1)
		if err != nil {
			return err
		}
		if snap != nil {
			floor = snap.Version
		}
	}

	iter := s.stepsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		st, err := snapshotToStep(doc)
		if err != nil {
			return err
		}
		if opts.BeforeVersion > 0 && st.Version >= opts.BeforeVersion {
			continue
		}
		if opts.AfterVersion > 0 && st.Version <= opts.AfterVersion {
			continue
		}
		if opts.NewerThanSnapshotOnly && st.Version <= floor {
			continue
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreStore) DeleteSnapshots(ctx context.Context, id string, opts DeleteSnapshotsOptions) error {
	if _, err := s.LatestVersion(ctx, id); err != nil {
		return err
	}

	iter := s.snapshotsCollection(id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		version, _ := doc.Data()["version"].(int64)
		if opts.BeforeVersion > 0 && int(version) >= opts.BeforeVersion {
			continue
		}
		if opts.AfterVersion > 0 && int(version) <= opts.AfterVersion {
			continue
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *FirestoreStore) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.docRef(id).Get(ctx); status.Code(err) == codes.NotFound {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	} else if err != nil {
		return err
	}

	for _, coll := range []*firestore.CollectionRef{s.stepsCollection(id), s.snapshotsCollection(id)} {
		iter := coll.Documents(ctx)
		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return err
			}
			if _, err := doc.Ref.Delete(ctx); err != nil {
				iter.Stop()
				return err
			}
		}
		iter.Stop()
	}
	_, err := s.docRef(id).Delete(ctx)
	return err
}
