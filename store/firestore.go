package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alimasry/go-collab-history/history"
)

// FirestoreStore is a Firestore-backed implementation of HistoryStore.
//
// Layout:
//
//	documents/{docID}                  {entries, updatedAt}
//	documents/{docID}/history/{seq}    one archived entry, seq zero-padded
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "documents",
	}
}

// Firestore ids cannot contain "/", so document ids are path-escaped.
func (s *FirestoreStore) docRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(url.PathEscape(id))
}

func (s *FirestoreStore) historyCollection(docID string) *firestore.CollectionRef {
	return s.docRef(docID).Collection("history")
}

func (s *FirestoreStore) entryRef(docID string, seq int) *firestore.DocumentRef {
	return s.historyCollection(docID).Doc(zeroPad(seq))
}

func zeroPad(seq int) string {
	return fmt.Sprintf("%010d", seq)
}

func (s *FirestoreStore) AppendEntry(ctx context.Context, docID string, entry history.Entry, seq int) error {
	if entry.State != history.StateClosed {
		return fmt.Errorf("append %q to %q: %w", entry.ID, docID, ErrOpenEntry)
	}
	if seq < 0 {
		return fmt.Errorf("append to %q at %d: %w", docID, seq, ErrInvalidSeq)
	}
	data, err := entryToMap(entry)
	if err != nil {
		return err
	}

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if seq > 0 {
			_, err := tx.Get(s.entryRef(docID, seq-1))
			if status.Code(err) == codes.NotFound {
				return ErrInvalidSeq
			}
			if err != nil {
				return err
			}
		}
		if err := tx.Create(s.entryRef(docID, seq), data); err != nil {
			return err
		}
		return tx.Set(s.docRef(docID), map[string]interface{}{
			"entries":   seq + 1,
			"updatedAt": time.Now(),
		}, firestore.MergeAll)
	})
	if errors.Is(err, ErrInvalidSeq) || status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("append to %q at %d: %w", docID, seq, ErrInvalidSeq)
	}
	return err
}

func (s *FirestoreStore) GetEntries(ctx context.Context, docID string, fromSeq int) ([]history.Entry, error) {
	snap, err := s.docRef(docID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("document %q: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	count, _ := snap.Data()["entries"].(int64)
	if fromSeq < 0 || int64(fromSeq) > count {
		return nil, fmt.Errorf("read %q from %d: %w", docID, fromSeq, ErrInvalidSeq)
	}

	iter := s.historyCollection(docID).
		OrderBy(firestore.DocumentID, firestore.Asc).
		StartAt(zeroPad(fromSeq)).
		Documents(ctx)
	defer iter.Stop()

	var entries []history.Entry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		e, err := snapshotToEntry(snap)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *FirestoreStore) ListDocuments(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		id, err := url.PathUnescape(snap.Ref.ID)
		if err != nil {
			return nil, fmt.Errorf("decode document id %q: %w", snap.Ref.ID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Records are kept as a JSON string so patch values survive Firestore's
// type mapping unchanged.
func entryToMap(e history.Entry) (map[string]interface{}, error) {
	records, err := json.Marshal(e.Records)
	if err != nil {
		return nil, fmt.Errorf("encode records of %q: %w", e.ID, err)
	}
	return map[string]interface{}{
		"id":         e.ID,
		"actionName": e.ActionName,
		"treeId":     e.TreeID,
		"undoable":   e.Undoable,
		"records":    string(records),
		"createdAt":  e.CreatedAt,
		"closedAt":   e.ClosedAt,
		"replays":    e.Replays,
		"failed":     e.Failed,
	}, nil
}

func snapshotToEntry(snap *firestore.DocumentSnapshot) (history.Entry, error) {
	data := snap.Data()
	id, _ := data["id"].(string)
	actionName, _ := data["actionName"].(string)
	treeID, _ := data["treeId"].(string)
	undoable, _ := data["undoable"].(bool)
	createdAt, _ := data["createdAt"].(time.Time)
	closedAt, _ := data["closedAt"].(time.Time)
	replays, _ := data["replays"].(string)
	failed, _ := data["failed"].(bool)

	raw, ok := data["records"].(string)
	if !ok {
		return history.Entry{}, fmt.Errorf("invalid records field in entry %s", snap.Ref.ID)
	}
	var records []history.TreePatchRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return history.Entry{}, fmt.Errorf("decode records of entry %s: %w", snap.Ref.ID, err)
	}

	return history.Entry{
		ID:         id,
		ActionName: actionName,
		TreeID:     treeID,
		Undoable:   undoable,
		Records:    records,
		State:      history.StateClosed,
		CreatedAt:  createdAt,
		ClosedAt:   closedAt,
		Replays:    replays,
		Failed:     failed,
	}, nil
}
