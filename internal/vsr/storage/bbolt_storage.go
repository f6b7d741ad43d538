package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
)

var (
	// Bucket names
	logBucket      = []byte("log")
	metadataBucket = []byte("metadata")

	stateKey = []byte("replicaState")
)

// BoltStore is the durable vsr.LogStore. Every write is its own bbolt transaction, which fsyncs on commit.
type BoltStore struct {
	conn *bbolt.DB
}

var _ vsr.LogStore = (*BoltStore)(nil)

// NewBoltStore opens or creates the store at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		plog.Errorf("[BOLT] failed to open %s: %v", path, err)
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		plog.Errorf("[BOLT] failed to initialise %s: %v", path, err)
		db.Close()
		return nil, err
	}

	plog.Infof("[BOLT] opened log store at %s", path)
	return &BoltStore{conn: db}, nil
}

func (b *BoltStore) Append(entry vsr.LogEntry) error {
	if entry.Op == 0 {
		return fmt.Errorf("%w: op 0 is reserved", vsr.ErrInvalidMessage)
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(logBucket).Put(opToBytes(entry.Op), codec.MarshalEntry(entry))
	})
}

func (b *BoltStore) Get(op vsr.OpNumber) (vsr.LogEntry, bool, error) {
	var (
		entry vsr.LogEntry
		found bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(logBucket).Get(opToBytes(op))
		if data == nil {
			return nil
		}
		e, err := codec.UnmarshalEntry(data)
		if err != nil {
			return fmt.Errorf("op %d: %w", op, err)
		}
		entry, found = e, true
		return nil
	})
	return entry, found, err
}

// TruncateSuffix deletes every entry after op
func (b *BoltStore) TruncateSuffix(op vsr.OpNumber) error {
	removed := 0
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()

		// deleting through the cursor keeps its position valid
		for k, _ := cursor.Seek(opToBytes(op + 1)); k != nil; k, _ = cursor.Seek(opToBytes(op + 1)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		plog.Errorf("[BOLT] failed to truncate after op %d: %v", op, err)
		return err
	}
	if removed > 0 {
		plog.Debugf("[BOLT] truncated %d entries after op %d", removed, op)
	}
	return nil
}

func (b *BoltStore) EntriesInRange(lo, hi vsr.OpNumber) ([]vsr.LogEntry, error) {
	var entries []vsr.LogEntry
	if lo > hi {
		return nil, nil
	}
	err := b.conn.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()
		for k, v := cursor.Seek(opToBytes(lo)); k != nil && bytesToOp(k) <= hi; k, v = cursor.Next() {
			e, err := codec.UnmarshalEntry(v)
			if err != nil {
				return fmt.Errorf("op %d: %w", bytesToOp(k), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// LastOp returns the highest stored op, 0 for an empty log
func (b *BoltStore) LastOp() (vsr.OpNumber, error) {
	var last vsr.OpNumber
	err := b.conn.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(logBucket).Cursor().Last()
		if k != nil {
			last = bytesToOp(k)
		}
		return nil
	})
	return last, err
}

func (b *BoltStore) SaveState(state vsr.PersistentState) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(stateKey, codec.MarshalState(state))
	})
}

func (b *BoltStore) LoadState() (vsr.PersistentState, bool, error) {
	var (
		state vsr.PersistentState
		found bool
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(stateKey)
		if data == nil {
			return nil
		}
		s, err := codec.UnmarshalState(data)
		if err != nil {
			return err
		}
		state, found = s, true
		return nil
	})
	return state, found, err
}

func (b *BoltStore) Close() error {
	if err := b.conn.Close(); err != nil {
		plog.Errorf("[BOLT] failed to close %s: %v", b.conn.Path(), err)
		return err
	}
	return nil
}

// opToBytes uses big endian so the bbolt key order is the op order
func opToBytes(op vsr.OpNumber) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(op))
	return buf
}

func bytesToOp(b []byte) vsr.OpNumber {
	return vsr.OpNumber(binary.BigEndian.Uint64(b))
}
