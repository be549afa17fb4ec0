// Package history persists connection events to an embedded badger store
// and answers historical queries. Writes are decoupled from the ingestion
// loop through a bounded queue: history is best-effort relative to live
// monitoring correctness, so a full queue or a failed write is logged and
// dropped, never propagated.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

var (
	// ErrNotFound indicates no history exists for the queried identity.
	ErrNotFound = errors.New("no history for device")

	errWriterClosed = errors.New("history writer closed")
)

const (
	defaultQueueSize = 256
	writeAttempts    = 3
	retryBaseDelay   = 50 * time.Millisecond

	// Fixed-width timestamp so event keys sort chronologically.
	eventKeyTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// Config controls the history store location and write queue depth. An
// empty Dir selects badger's in-memory mode, used by tests.
type Config struct {
	Dir       string `json:"dir"`
	QueueSize int    `json:"queue_size"`
}

// queued is one unit of work for the flush goroutine: an event to persist,
// or a flush barrier when ack is set.
type queued struct {
	event models.ConnectionEvent
	ack   chan struct{}
}

// Writer is the append-only connection event log.
type Writer struct {
	db     *badger.DB
	queue  chan queued
	logger logger.Logger

	mu        sync.RWMutex
	closed    bool
	seq       uint64
	flushDone chan struct{}
}

// NewWriter opens the store and starts the flush goroutine.
func NewWriter(cfg *Config, log logger.Logger) (*Writer, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	w := &Writer{
		db:        db,
		queue:     make(chan queued, queueSize),
		logger:    log,
		flushDone: make(chan struct{}),
	}

	go w.flushLoop()

	return w, nil
}

// Record enqueues one event for persistence and returns immediately. A
// full queue drops the event with a warning rather than stalling the
// ingestion loop.
func (w *Writer) Record(event models.ConnectionEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.logger.Warn().Str("device", event.Key.String()).Msg("History event dropped, writer closed")
		return
	}

	select {
	case w.queue <- queued{event: event}:
	default:
		w.logger.Warn().
			Str("device", event.Key.String()).
			Str("type", string(event.Type)).
			Msg("History queue full, event dropped")
	}
}

// QueryBestSpeed returns the highest speed ever recorded for the identity.
func (w *Writer) QueryBestSpeed(key models.IdentityKey) (int, error) {
	var best int

	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bestKey(key))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			best, err = strconv.Atoi(string(val))
			return err
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("best speed query failed: %w", err)
	}

	return best, nil
}

// QueryHistory returns all events for the identity in chronological order.
func (w *Writer) QueryHistory(key models.IdentityKey) ([]models.ConnectionEvent, error) {
	var events []models.ConnectionEvent

	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix(key)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var event models.ConnectionEvent
				if err := json.Unmarshal(val, &event); err != nil {
					return err
				}

				events = append(events, event)

				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}

	if len(events) == 0 {
		return nil, ErrNotFound
	}

	return events, nil
}

// Flush blocks until every event enqueued before the call has been
// written. Intended for queries that must observe prior writes; the
// ingestion loop itself never waits on history.
func (w *Writer) Flush() {
	ack := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return
	}
	w.queue <- queued{ack: ack}
	w.mu.RUnlock()

	<-ack
}

// Close drains the queue, flushes pending writes, and closes the store.
func (w *Writer) Close() error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		return errWriterClosed
	}

	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.flushDone

	return w.db.Close()
}

func (w *Writer) flushLoop() {
	defer close(w.flushDone)

	for item := range w.queue {
		if item.ack != nil {
			close(item.ack)
			continue
		}

		w.writeWithRetry(item.event)
	}
}

// writeWithRetry attempts the write with capped backoff, then drops the
// event. Persistence failures must never become fatal to monitoring.
func (w *Writer) writeWithRetry(event models.ConnectionEvent) {
	var err error

	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay << (attempt - 1))
		}

		if err = w.write(event); err == nil {
			return
		}
	}

	w.logger.Error().
		Err(err).
		Str("device", event.Key.String()).
		Str("type", string(event.Type)).
		Msg("History write failed after retries, event dropped")
}

func (w *Writer) write(event models.ConnectionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	return w.db.Update(func(txn *badger.Txn) error {
		key := eventKey(event, seq)
		if err := txn.Set(key, payload); err != nil {
			return err
		}

		if event.Type == models.ConnectionDisconnected {
			return nil
		}

		return raiseBest(txn, bestKey(event.Key), event.SpeedMbps)
	})
}

// raiseBest updates the per-device high-water mark iff the new speed
// exceeds the stored one.
func raiseBest(txn *badger.Txn, key []byte, speed int) error {
	item, err := txn.Get(key)

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		var stored int

		err = item.Value(func(val []byte) error {
			stored, err = strconv.Atoi(string(val))
			return err
		})
		if err != nil {
			return err
		}

		if speed <= stored {
			return nil
		}
	}

	return txn.Set(key, []byte(strconv.Itoa(speed)))
}

func eventPrefix(key models.IdentityKey) []byte {
	return []byte("ev|" + key.String() + "|")
}

func eventKey(event models.ConnectionEvent, seq uint64) []byte {
	return []byte(fmt.Sprintf("ev|%s|%s|%012d",
		event.Key.String(),
		event.Timestamp.UTC().Format(eventKeyTimeFormat),
		seq))
}

func bestKey(key models.IdentityKey) []byte {
	return []byte("best|" + key.String())
}
