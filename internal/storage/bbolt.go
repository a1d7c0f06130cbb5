// Package storage is the durable tier of the message cache: a namespaced
// key/value store backed by bbolt, one record per conversation plus one
// aggregate metadata record. Writes are quota-bounded and corrupted state is
// wiped rather than crashing the process.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketConversations = []byte("conversations")
	bucketMetadata      = []byte("metadata")

	metadataKey = []byte("chat_metadata")
)

// ErrQuotaExceeded is returned when a write does not fit the byte budget
// even after emergency eviction. The caller drops the write; in-memory
// state stays authoritative for the session.
var ErrQuotaExceeded = errors.New("storage: byte budget exceeded")

// Store is the bbolt-backed durable tier.
type Store struct {
	db     *bbolt.DB
	budget int64
	logger *zap.Logger
}

// Open opens (or creates) the store at path. budget is the durable byte
// budget; 0 disables quota enforcement. logger may be nil.
func Open(path string, budget int64, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMetadata); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, budget: budget, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation persists a conversation record. The quota is checked
// first; if the write does not fit, the least-recently-accessed quarter of
// conversations is evicted and the write retried once.
func (s *Store) SaveConversation(rec *ConversationRecord) error {
	if rec.ID == "" {
		return errors.New("storage: record missing conversation id")
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}

	if s.overBudget(int64(len(data))) {
		s.logger.Warn("storage budget exceeded, evicting least recently used",
			zap.String("conversation", rec.ID))
		if err := s.EvictLRU(0.25); err != nil {
			s.logger.Error("emergency eviction failed", zap.Error(err))
		}
		if s.overBudget(int64(len(data))) {
			return ErrQuotaExceeded
		}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).Put(rec.Key(), data)
	})
}

// LoadConversation returns the record for a conversation id, or nil if not
// present. A record that fails to decode wipes the whole namespace: corrupt
// persisted state is never fatal.
func (s *Store) LoadConversation(id string) (*ConversationRecord, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketConversations).Get(recordKey(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var rec ConversationRecord
	if err := rec.UnmarshalBinary(data); err != nil {
		s.logger.Error("corrupt conversation record, wiping store",
			zap.String("conversation", id), zap.Error(err))
		return nil, s.Wipe()
	}
	return &rec, nil
}

// DeleteConversation removes a conversation record. Missing ids are a no-op.
func (s *Store) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).Delete(recordKey(id))
	})
}

// SaveMetadata persists the aggregate metadata map. Like conversation
// writes, it is quota-checked with one evict-and-retry before giving up.
func (s *Store) SaveMetadata(meta MetadataMap) error {
	data, err := meta.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if s.overBudget(int64(len(data))) {
		s.logger.Warn("storage budget exceeded, evicting least recently used")
		if err := s.EvictLRU(0.25); err != nil {
			s.logger.Error("emergency eviction failed", zap.Error(err))
		}
		if s.overBudget(int64(len(data))) {
			return ErrQuotaExceeded
		}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put(metadataKey, data)
	})
}

// LoadMetadata returns the aggregate metadata map, empty if absent.
// Corruption wipes the namespace and returns an empty map.
func (s *Store) LoadMetadata() (MetadataMap, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMetadata).Get(metadataKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return MetadataMap{}, nil
	}

	meta := MetadataMap{}
	if err := meta.UnmarshalBinary(data); err != nil {
		s.logger.Error("corrupt metadata record, wiping store", zap.Error(err))
		if werr := s.Wipe(); werr != nil {
			return nil, werr
		}
		return MetadataMap{}, nil
	}
	return meta, nil
}

// Usage returns the persisted size in bytes (keys + values of both buckets).
func (s *Store) Usage() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMetadata} {
			if err := tx.Bucket(name).ForEach(func(k, v []byte) error {
				total += int64(len(k) + len(v))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return total, err
}

func (s *Store) overBudget(incoming int64) bool {
	if s.budget <= 0 {
		return false
	}
	usage, err := s.Usage()
	if err != nil {
		return false
	}
	return usage+incoming > s.budget
}

// EvictLRU removes the given fraction (at least one) of unpinned
// conversations, least recently accessed first, from both the record and
// metadata namespaces.
func (s *Store) EvictLRU(fraction float64) error {
	meta, err := s.LoadMetadata()
	if err != nil {
		return err
	}

	type entry struct {
		id string
		at time.Time
	}
	var candidates []entry
	for id, m := range meta {
		if m.Pinned {
			continue
		}
		candidates = append(candidates, entry{id: id, at: m.LastAccessed})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].at.Before(candidates[j].at)
	})

	n := int(float64(len(candidates)) * fraction)
	if n < 1 {
		n = 1
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		for _, c := range candidates[:n] {
			if err := b.Delete(recordKey(c.id)); err != nil {
				return err
			}
			delete(meta, c.id)
		}
		data, err := meta.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMetadata).Put(metadataKey, data)
	})
	if err != nil {
		return err
	}
	s.logger.Info("evicted conversations from durable storage", zap.Int("count", n))
	return nil
}

// Wipe deletes every record in the namespace and starts fresh.
func (s *Store) Wipe() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMetadata} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}
