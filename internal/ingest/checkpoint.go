package ingest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Checkpoint persists the next block to read. Every event below it has been
// applied or given up on. It is best effort: resuming from an older block only
// redelivers events, which the mirror ignores.
type Checkpoint interface {
	Load(ctx context.Context) (block uint64, ok bool, err error)
	Save(ctx context.Context, block uint64) error
	Close() error
}

var (
	checkpointBucket = []byte("ingest")
	checkpointKey    = []byte("checkpoint")
)

// BoltCheckpoint keeps the checkpoint in a local bbolt file.
type BoltCheckpoint struct {
	db *bolt.DB
}

var _ Checkpoint = (*BoltCheckpoint)(nil)

func OpenBoltCheckpoint(path string) (*BoltCheckpoint, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint bucket: %w", err)
	}
	return &BoltCheckpoint{db: db}, nil
}

func (c *BoltCheckpoint) Load(_ context.Context) (uint64, bool, error) {
	var (
		block uint64
		ok    bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(checkpointBucket).Get(checkpointKey)
		if len(raw) != 8 {
			return nil
		}
		block, ok = binary.BigEndian.Uint64(raw), true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return block, ok, nil
}

// Save never moves the checkpoint backwards.
func (c *BoltCheckpoint) Save(_ context.Context, block uint64) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		if raw := b.Get(checkpointKey); len(raw) == 8 && binary.BigEndian.Uint64(raw) >= block {
			return nil
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], block)
		return b.Put(checkpointKey, buf[:])
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (c *BoltCheckpoint) Close() error {
	return c.db.Close()
}

// MemoryCheckpoint is a process-local checkpoint.
type MemoryCheckpoint struct {
	mu    sync.Mutex
	block uint64
	ok    bool
}

var _ Checkpoint = (*MemoryCheckpoint)(nil)

func (c *MemoryCheckpoint) Load(context.Context) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block, c.ok, nil
}

func (c *MemoryCheckpoint) Save(_ context.Context, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ok || block > c.block {
		c.block, c.ok = block, true
	}
	return nil
}

func (c *MemoryCheckpoint) Close() error { return nil }
