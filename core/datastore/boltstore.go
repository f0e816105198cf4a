package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sushant-115/physcoord/core/model"
)

// BoltStore persists every datastore in one bbolt file, one bucket per
// datastore, rows JSON-encoded under their key path.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, ds := range model.AllDatastores() {
			if _, err := tx.CreateBucketIfNotExists(bucketName(ds)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %v", ErrStorage, err)
	}
	return &BoltStore{db: db}, nil
}

func bucketName(ds model.Datastore) []byte {
	return []byte(ds.String())
}

func kindPrefix(kind model.EntityKind) []byte {
	return []byte(kind.String() + "/")
}

func (s *BoltStore) bucket(tx *bolt.Tx, ds model.Datastore) (*bolt.Bucket, error) {
	b := tx.Bucket(bucketName(ds))
	if b == nil {
		return nil, fmt.Errorf("%w: bucket %s missing", ErrStorage, ds)
	}
	return b, nil
}

func decodeRow(data []byte) (model.Row, error) {
	var row model.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return model.Row{}, fmt.Errorf("%w: decode row: %v", ErrStorage, err)
	}
	return row, nil
}

func (s *BoltStore) Read(_ context.Context, ds model.Datastore, key model.Key) (model.Row, error) {
	var row model.Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ds)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key.String()))
		if data == nil {
			return ErrNotFound
		}
		row, err = decodeRow(data)
		return err
	})
	return row, err
}

func (s *BoltStore) scan(ds model.Datastore, kind model.EntityKind, keep func(model.Row) bool) ([]model.Row, error) {
	var out []model.Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ds)
		if err != nil {
			return err
		}
		prefix := kindPrefix(kind)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			if keep(row) {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ReadAll(_ context.Context, ds model.Datastore, kind model.EntityKind) ([]model.Row, error) {
	return s.scan(ds, kind, func(model.Row) bool { return true })
}

func (s *BoltStore) ReadModified(_ context.Context, ds model.Datastore, kind model.EntityKind, status model.RowStatus) ([]model.Row, error) {
	return s.scan(ds, kind, func(r model.Row) bool { return r.Status == status })
}

func (s *BoltStore) Exists(ctx context.Context, ds model.Datastore, key model.Key) (bool, error) {
	_, err := s.Read(ctx, ds, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *BoltStore) Write(_ context.Context, ds model.Datastore, row model.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("%w: encode row %s: %v", ErrStorage, row.Key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ds)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(row.Key.String()), data); err != nil {
			return fmt.Errorf("%w: put %s: %v", ErrStorage, row.Key, err)
		}
		return nil
	})
}

func (s *BoltStore) Delete(_ context.Context, ds model.Datastore, key model.Key) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ds)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key.String()))
	})
}

func (s *BoltStore) ClearController(_ context.Context, ds model.Datastore, controller string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, ds)
		if err != nil {
			return err
		}
		var doomed [][]byte
		err = b.ForEach(func(k, _ []byte) error {
			key, err := model.ParseKey(string(k))
			if err != nil {
				return nil
			}
			if key.OwnedBy(controller) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("%w: delete %s: %v", ErrStorage, k, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) CommitAll(_ context.Context, from, to model.Datastore) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		src, err := s.bucket(tx, from)
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketName(to)); err != nil {
			return fmt.Errorf("%w: reset %s: %v", ErrStorage, to, err)
		}
		dst, err := tx.CreateBucket(bucketName(to))
		if err != nil {
			return fmt.Errorf("%w: recreate %s: %v", ErrStorage, to, err)
		}

		type entry struct {
			key  []byte
			data []byte
		}
		var keep []entry
		var doomed [][]byte
		err = src.ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			if row.Status == model.RowDeleted {
				doomed = append(doomed, append([]byte(nil), k...))
				return nil
			}
			row.Status = model.RowApplied
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("%w: encode row %s: %v", ErrStorage, row.Key, err)
			}
			keep = append(keep, entry{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := src.Delete(k); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
		for _, e := range keep {
			if err := src.Put(e.key, e.data); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
			if err := dst.Put(e.key, e.data); err != nil {
				return fmt.Errorf("%w: %v", ErrStorage, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
