// Package persist implements the durable heap (component C5/C9 support):
// a bbolt-backed log of tagged payload blocks, written either synchronously
// per block (the DirectWrite strategy) or batched in memory and flushed
// together (the BufferedWrite strategy), plus the two-pass recovery scan
// that reconstructs live state from that log after a crash.
package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/epochtx/pkg/log"
	"github.com/cuemby/epochtx/pkg/metrics"
	"github.com/cuemby/epochtx/pkg/types"
)

var blocksBucket = []byte("blocks")

// Strategy selects how PersistBlock gets a block onto durable storage.
type Strategy int

const (
	// DirectWrite commits every block to bbolt synchronously, trading
	// throughput for the strongest per-call durability guarantee.
	DirectWrite Strategy = iota
	// BufferedWrite accumulates blocks in memory and commits them in a
	// single bbolt transaction once BufferSize is reached or Flush is
	// called explicitly, trading durability latency for throughput.
	BufferedWrite
)

// Heap is the durable, append-only log of payload blocks backing the
// transactional runtime's persistence design.
type Heap struct {
	db         *bolt.DB
	strategy   Strategy
	bufferSize int
	logger     zerolog.Logger

	mu     sync.Mutex
	buffer []types.Block
}

// Open opens (creating if necessary) a durable heap at path.
func Open(path string, strategy Strategy, bufferSize int) (*Heap, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open heap at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create blocks bucket: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Heap{
		db:         db,
		strategy:   strategy,
		bufferSize: bufferSize,
		logger:     log.WithComponent("persist"),
	}, nil
}

// Close flushes any buffered blocks and closes the underlying database.
func (h *Heap) Close() error {
	if err := h.Flush(); err != nil {
		return err
	}
	return h.db.Close()
}

// PersistBlock records b according to the heap's strategy.
func (h *Heap) PersistBlock(b types.Block) error {
	switch h.strategy {
	case BufferedWrite:
		h.mu.Lock()
		h.buffer = append(h.buffer, b)
		full := len(h.buffer) >= h.bufferSize
		h.mu.Unlock()
		if full {
			return h.Flush()
		}
		return nil
	default:
		return h.writeBlocks([]types.Block{b})
	}
}

// Flush commits any buffered blocks now, regardless of BufferSize.
func (h *Heap) Flush() error {
	h.mu.Lock()
	pending := h.buffer
	h.buffer = nil
	h.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return h.writeBlocks(pending)
}

func (h *Heap) writeBlocks(blocks []types.Block) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PersistFlushDuration)

	err := h.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		for _, b := range blocks {
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("persist: marshal block %d: %w", b.ID, err)
			}
			if err := bucket.Put(blockKey(b), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, b := range blocks {
		metrics.BlocksPersisted.WithLabelValues(b.Kind.String()).Inc()
	}
	return nil
}

// blockKey orders blocks first by epoch and then by id, so a bbolt
// ForEach scan (which walks keys in byte order) naturally visits blocks
// in the order the recovery routine wants them.
func blockKey(b types.Block) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[0:8], b.Epoch)
	binary.BigEndian.PutUint64(key[8:16], b.ID)
	return key
}

// RecoveredState is the outcome of a crash-recovery scan: the most recent
// live block for every id that wasn't subsequently retired, and the
// highest epoch observed anywhere in the log.
type RecoveredState struct {
	Live     map[uint64]types.Block
	MaxEpoch uint64
}

// Recover runs the two-pass recovery scan described by the persistence
// design: pass one collects every anti-node (a BlockDelete tombstoning an
// id) and the highest epoch seen in the log; pass two replays
// alloc/update/owned blocks, keeping the highest-epoch version of each id
// and discarding any id that pass one tombstoned.
func (h *Heap) Recover() (*RecoveredState, error) {
	state := &RecoveredState{Live: make(map[uint64]types.Block)}
	antiNodes := make(map[uint64]bool)

	err := h.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		return bucket.ForEach(func(_, v []byte) error {
			var blk types.Block
			if err := json.Unmarshal(v, &blk); err != nil {
				return fmt.Errorf("persist: decode block during recovery pass 1: %w", err)
			}
			if blk.Epoch > state.MaxEpoch {
				state.MaxEpoch = blk.Epoch
			}
			if blk.Kind == types.BlockDelete {
				antiNodes[blk.AntiNode] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	err = h.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		return bucket.ForEach(func(_, v []byte) error {
			var blk types.Block
			if err := json.Unmarshal(v, &blk); err != nil {
				return fmt.Errorf("persist: decode block during recovery pass 2: %w", err)
			}
			switch blk.Kind {
			case types.BlockAlloc, types.BlockUpdate, types.BlockOwned:
				if antiNodes[blk.ID] {
					return nil
				}
				if existing, ok := state.Live[blk.ID]; !ok || blk.Epoch >= existing.Epoch {
					state.Live[blk.ID] = blk
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info().
		Int("live_blocks", len(state.Live)).
		Uint64("max_epoch", state.MaxEpoch).
		Msg("recovery scan complete")
	return state, nil
}
