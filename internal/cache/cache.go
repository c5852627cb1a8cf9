// Package cache is the read-side store for materialized order views. It maps
// the hash and sorted-set shapes the view layer needs onto Pebble keyspace
// prefixes, with one atomic batch per materialization pass.
package cache

import (
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// Fixed key names for the secondary index set.
const (
	HashOrderEntities    = "order-entities" // order id -> encoded view
	HashOrderNoID        = "orderNo-id"     // order number -> order id
	HashQuotationOrder   = "qid-oid"        // quotation id -> order id
	HashVehiclePlanOrder = "vid-poid"       // vehicle id -> plan order id
	ZSetOrders           = "orders"         // all orders by update time
	ZSetPlanOrders       = "plan-orders"    // plan orders by update time
)

// UserOrders is the per-user listing index key.
func UserOrders(userID string) string { return "orders-" + userID }

// VehicleOrders is the per-vehicle listing index key.
func VehicleOrders(vehicleID string) string { return "orders-" + vehicleID }

// Store wraps a Pebble instance.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the cache at dir.
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
	}
	db, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Keyspace layout:
//
//	h/<name>/<field>              -> value
//	z/<name>/<score be64>/<member> -> ""
//	m/<name>/<member>             -> score be64
//
// The m/ entry lets ZAdd and ZRem find a member's previous score without
// scanning.
func hashKey(name, field string) []byte { return []byte("h/" + name + "/" + field) }
func memberKey(name, member string) []byte {
	return []byte("m/" + name + "/" + member)
}
func scoreKey(name string, score int64, member string) []byte {
	k := make([]byte, 0, len(name)+len(member)+12)
	k = append(k, "z/"+name+"/"...)
	var sc [8]byte
	binary.BigEndian.PutUint64(sc[:], uint64(score))
	k = append(k, sc[:]...)
	k = append(k, '/')
	k = append(k, member...)
	return k
}

// HGet reads one hash field.
func (s *Store) HGet(name, field string) ([]byte, bool, error) {
	v, closer, err := s.db.Get(hashKey(name, field))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s/%s: %w", name, field, err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// ZRevRange returns up to limit members of the sorted set in descending
// score order, skipping offset members.
func (s *Store) ZRevRange(name string, offset, limit int) ([]string, error) {
	prefix := []byte("z/" + name + "/")
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixSuccessor(prefix)})
	if err != nil {
		return nil, fmt.Errorf("zrevrange %s: %w", name, err)
	}
	defer it.Close()

	var members []string
	skipped := 0
	for ok := it.Last(); ok; ok = it.Prev() {
		if skipped < offset {
			skipped++
			continue
		}
		key := it.Key()
		// member sits after prefix + 8 score bytes + '/'
		if len(key) < len(prefix)+9 {
			continue
		}
		members = append(members, string(key[len(prefix)+9:]))
		if limit > 0 && len(members) >= limit {
			break
		}
	}
	return members, nil
}

// Batch collects hash and sorted-set mutations and commits them atomically.
type Batch struct {
	s *Store
	b *pebble.Batch
}

// NewBatch starts an atomic batch. Indexed so ZAdd sees its own writes.
func (s *Store) NewBatch() *Batch {
	return &Batch{s: s, b: s.db.NewIndexedBatch()}
}

func (b *Batch) HSet(name, field string, value []byte) error {
	return b.b.Set(hashKey(name, field), value, nil)
}

func (b *Batch) HDel(name, field string) error {
	return b.b.Delete(hashKey(name, field), nil)
}

// ZAdd inserts or moves member to score.
func (b *Batch) ZAdd(name, member string, score int64) error {
	if err := b.removeMember(name, member); err != nil {
		return err
	}
	var sc [8]byte
	binary.BigEndian.PutUint64(sc[:], uint64(score))
	if err := b.b.Set(memberKey(name, member), sc[:], nil); err != nil {
		return err
	}
	return b.b.Set(scoreKey(name, score, member), nil, nil)
}

// ZRem drops member from the sorted set if present.
func (b *Batch) ZRem(name, member string) error {
	if err := b.removeMember(name, member); err != nil {
		return err
	}
	return b.b.Delete(memberKey(name, member), nil)
}

func (b *Batch) removeMember(name, member string) error {
	v, closer, err := b.b.Get(memberKey(name, member))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("zset member lookup %s/%s: %w", name, member, err)
	}
	old := int64(binary.BigEndian.Uint64(v))
	_ = closer.Close()
	return b.b.Delete(scoreKey(name, old, member), nil)
}

// Commit applies every mutation in the batch or none of them.
func (b *Batch) Commit() error {
	defer b.b.Close()
	if err := b.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("batch commit: %w", err)
	}
	return nil
}

// Discard drops the batch without applying it.
func (b *Batch) Discard() { _ = b.b.Close() }

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator upper bound.
func prefixSuccessor(prefix []byte) []byte {
	succ := append([]byte(nil), prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xff {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil // all 0xff: no upper bound
}
