package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var snapshotPrefix = []byte("snap/")

// LevelSnapshotStore keeps snapshots in an embedded LevelDB, keyed by
// big-endian sequence so the last key is the newest snapshot. Used when the
// service runs without Postgres.
type LevelSnapshotStore struct {
	conn *leveldb.DB
}

// OpenLevelSnapshotStore opens (or creates) a store at path.
func OpenLevelSnapshotStore(path string) (*LevelSnapshotStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store %s: %w", path, err)
	}
	return &LevelSnapshotStore{conn: db}, nil
}

// NewMemLevelSnapshotStore is backed by memory, for tests.
func NewMemLevelSnapshotStore() (*LevelSnapshotStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelSnapshotStore{conn: db}, nil
}

func (s *LevelSnapshotStore) Close() error {
	return s.conn.Close()
}

func snapshotKey(sequence int64) []byte {
	key := make([]byte, len(snapshotPrefix)+8)
	copy(key, snapshotPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotPrefix):], uint64(sequence))
	return key
}

func (s *LevelSnapshotStore) SaveSnapshot(_ context.Context, snap *SnapshotData) error {
	if snap.Sequence < 0 {
		return fmt.Errorf("snapshot sequence %d is negative", snap.Sequence)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.conn.Put(snapshotKey(snap.Sequence), data, nil)
}

// LoadLatestSnapshot returns the highest-sequence snapshot, or nil when the
// store is empty.
func (s *LevelSnapshotStore) LoadLatestSnapshot(_ context.Context) (*SnapshotData, error) {
	iter := s.conn.NewIterator(util.BytesPrefix(snapshotPrefix), nil)
	defer iter.Release()

	if !iter.Last() {
		return nil, iter.Error()
	}
	var snap SnapshotData
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *LevelSnapshotStore) Prune(keep int) (int, error) {
	iter := s.conn.NewIterator(util.BytesPrefix(snapshotPrefix), nil)
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}

	batch := new(leveldb.Batch)
	stale := keys[:len(keys)-keep]
	for _, k := range stale {
		batch.Delete(k)
	}
	if err := s.conn.Write(batch, nil); err != nil {
		return 0, err
	}
	return len(stale), nil
}
