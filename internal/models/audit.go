package models

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/microsoft/wsla/internal/db"
)

// maxAuditEntries bounds the audit bucket; the oldest entries are pruned.
const maxAuditEntries = 1000

// AuditEntry records one lifecycle operation issued on the control surface.
type AuditEntry struct {
	Seq       uint64 `json:"seq"`
	Time      int64  `json:"time"`
	Operator  string `json:"operator"`
	Op        string `json:"op"`
	Container string `json:"container,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// AuditStore is an append-only log of control operations.
type AuditStore struct {
	db *bolt.DB
}

func NewAuditStore(database *bolt.DB) *AuditStore {
	return &AuditStore{db: database}
}

// Append stores e, assigning its sequence number and time.
func (s *AuditStore) Append(e AuditEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		if e.Time == 0 {
			e.Time = time.Now().Unix()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		// Sequence numbers are dense, so everything at or below floor is stale.
		if seq <= maxAuditEntries {
			return nil
		}
		floor := seq - maxAuditEntries
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= floor; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *AuditStore) Recent(limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(db.BucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal audit entry %x: %w", k, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
