// Package audit implements the non-blocking, batched request audit trail.
//
// Every inference attempt — success or failure, on either routing path —
// produces one Entry. Entries go to an internal buffered channel and are
// flushed in batches by a background goroutine, so auditing never blocks the
// request hot path. If the channel fills up (> 10 000 entries), new entries
// are dropped and counted in Dropped.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	flushTimeout  = 5 * time.Second
)

// Partition labels recorded with every entry. The gateway always bridges the
// same pair.
const (
	SourcePartition      = "govcloud"
	DestinationPartition = "commercial"
)

// Entry is one audited request.
type Entry struct {
	RequestID     uuid.UUID
	Timestamp     time.Time
	RoutingMethod string
	Operation     string
	ModelID       string
	Principal     string
	SourceIP      string
	StatusCode    uint16
	Success       bool
	ErrorCode     string
	RequestBytes  uint32
	ResponseBytes uint32
	LatencyMs     uint32
}

// Store persists audit batches. Implementations must tolerate duplicate
// request ids (retried flushes).
type Store interface {
	WriteBatch(ctx context.Context, entries []Entry) error
	Close() error
}

// Logger is the async audit writer.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	store Store
	log   *slog.Logger
}

// New starts the flush goroutine. The store failure mode is log-and-drop: a
// broken audit backend degrades the trail, never the request path.
func New(ctx context.Context, store Store, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("audit: store must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:    make(chan Entry, channelBuffer),
		done:  make(chan struct{}),
		store: store,
		log:   slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry without blocking. Entries with a zero timestamp get
// stamped here.
func (l *Logger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// QueueDepth returns the number of entries waiting to be flushed.
func (l *Logger) QueueDepth() int {
	return len(l.ch)
}

// Dropped returns the number of entries discarded due to a full buffer.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the channel, flushes the final batch, and closes the store.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Not derived from baseCtx: the final drain runs after shutdown
		// has cancelled it.
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := l.store.WriteBatch(ctx, batch); err != nil {
			l.log.Warn("audit_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
