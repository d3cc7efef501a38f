package lwzsvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
)

// UnitRecord is the persisted metadata for one unit.
type UnitRecord struct {
	Unit        int32     `json:"unit"`
	Path        string    `json:"path"`
	Product     string    `json:"product"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Store records per-unit attachment metadata in badger.
type Store struct {
	log *zap.Logger
	db  *badger.DB
	now func() time.Time
}

func NewStore(log *zap.Logger, db *badger.DB, now func() time.Time) *Store {
	return &Store{
		log: log,
		db:  db,
		now: now,
	}
}

func unitKey(unit int32) []byte {
	return []byte(fmt.Sprintf("lwz/units/%02d", unit))
}

// Touch upserts the record for unit, preserving its first-seen timestamp.
func (s *Store) Touch(unit int32, info HostDeviceInfo) error {
	now := s.now()
	err := s.db.Update(func(txn *badger.Txn) error {
		key := unitKey(unit)
		var rec UnitRecord
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			rec = UnitRecord{Unit: unit}
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal unit record: %w", err)
			}
		}
		rec.Unit = unit
		rec.Path = info.Path
		rec.Product = info.Product
		if rec.FirstSeenAt.IsZero() {
			rec.FirstSeenAt = now
		}
		rec.LastSeenAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal unit record: %w", err)
		}
		return txn.Set(key, b)
	})
	if err != nil {
		return fmt.Errorf("failed to store unit record: %w", err)
	}
	return nil
}

// List returns every recorded unit.
func (s *Store) List() ([]UnitRecord, error) {
	var records []UnitRecord
	err := s.db.View(func(txn *badger.Txn) error {
		iter := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iter.Close()
		prefix := []byte("lwz/units/")
		for iter.Seek(prefix); iter.ValidForPrefix(prefix); iter.Next() {
			var rec UnitRecord
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unit records: %w", err)
	}
	return records, nil
}
