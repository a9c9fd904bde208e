// Package reqlog records one RequestLog row per billable request without
// blocking the request path.
//
// Begin runs before dispatch. In direct mode it synchronously inserts a
// "processing" row. Finish hands the terminal row (success or fail) to a
// write-behind buffer: a bounded in-process channel, or a Redis list shared
// by every replica. A background drainer flushes the buffer in batches on a
// ticker and once more on Close. Batches are upserted, so the terminal row
// replaces the processing row.
//
// A batch that fails to decode or insert is logged and dropped.
package reqlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/store"
)

const (
	ModeDirect   = "direct"
	ModeBuffered = "buffered"

	// QueueKey is the Redis list holding serialized entries.
	QueueKey = "gw:log_buffer"
	// InFlightKey is the Redis set of request ids being processed.
	InFlightKey = "gw:processing_set"

	DefaultBuffer        = 10_000
	DefaultBatchSize     = 50
	DefaultFlushInterval = 5 * time.Second

	writeTimeout = 10 * time.Second
	// maxBatchesPerTick bounds one drain of the shared queue.
	maxBatchesPerTick = 100
)

// Writer is the primary store. *store.Store satisfies it.
type Writer interface {
	InsertLog(ctx context.Context, l store.RequestLog) error
	SaveLogs(ctx context.Context, logs []store.RequestLog) error
}

// Sink receives a copy of every flushed batch, for analytics.
type Sink interface {
	Write(ctx context.Context, logs []store.RequestLog) error
}

type Options struct {
	// Mode is ModeDirect (default) or ModeBuffered.
	Mode string
	// Queue, when set, replaces the in-process channel.
	Queue cache.Queue
	// InFlight, when set, tracks request ids between Begin and Finish.
	InFlight cache.Set

	Buffer        int
	BatchSize     int
	FlushInterval time.Duration

	Sinks   []Sink
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	db   Writer
	opts Options
	log  *slog.Logger

	ch        chan store.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// closeMu orders enqueues against Close: once closed is set the drainer
	// may be gone, and Finish writes rows directly.
	closeMu sync.RWMutex
	closed  bool

	baseCtx context.Context
}

// New starts the drainer. Close stops it after a final flush.
func New(ctx context.Context, db Writer, opts Options) (*Pipeline, error) {
	if ctx == nil {
		return nil, fmt.Errorf("reqlog: context must not be nil")
	}
	if db == nil {
		return nil, fmt.Errorf("reqlog: writer must not be nil")
	}
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	p := &Pipeline{
		db:      db,
		opts:    opts,
		log:     log,
		done:    make(chan struct{}),
		baseCtx: context.WithoutCancel(ctx),
	}
	if opts.Queue == nil {
		p.ch = make(chan store.RequestLog, opts.Buffer)
	}

	p.wg.Add(1)
	go p.run()

	return p, nil
}

// Begin stamps entry with an id, a creation time and the processing status.
// In direct mode the row is inserted before Begin returns; an insert failure
// is logged and the request carries on.
func (p *Pipeline) Begin(ctx context.Context, entry store.RequestLog) store.RequestLog {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Status = store.StatusProcessing

	if p.opts.InFlight != nil {
		if err := p.opts.InFlight.Add(ctx, InFlightKey, entry.ID); err != nil {
			p.log.Debug("inflight_add_failed", slog.String("error", err.Error()))
		}
	}

	if p.opts.Mode == ModeDirect {
		if err := p.db.InsertLog(ctx, entry); err != nil {
			p.log.Error("log_insert_failed",
				slog.String("request_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return entry
}

// Finish queues the terminal row. status must be store.StatusSuccess or
// store.StatusFail. It never waits for the database unless the buffer is
// unavailable, in which case the row is written directly.
func (p *Pipeline) Finish(ctx context.Context, entry store.RequestLog) {
	if p.opts.InFlight != nil {
		if err := p.opts.InFlight.Remove(ctx, InFlightKey, entry.ID); err != nil {
			p.log.Debug("inflight_remove_failed", slog.String("error", err.Error()))
		}
	}

	if p.enqueue(ctx, entry) {
		p.opts.Metrics.AddLogEntries("queued", 1)
		return
	}

	// The buffer is full, unreachable or already drained: fall back to a direct write so the
	// terminal row is not lost.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	p.write(wctx, []store.RequestLog{entry})
}

func (p *Pipeline) enqueue(ctx context.Context, entry store.RequestLog) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}

	if p.opts.Queue == nil {
		select {
		case p.ch <- entry:
			return true
		default:
			p.log.Warn("log_buffer_full", slog.String("request_id", entry.ID))
			return false
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return false
	}
	if err := p.opts.Queue.Push(ctx, QueueKey, raw); err != nil {
		p.log.Warn("log_queue_push_failed",
			slog.String("request_id", entry.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// Close stops the drainer after flushing everything still buffered.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		p.closeMu.Unlock()
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	if p.opts.Queue != nil {
		for {
			select {
			case <-ticker.C:
				p.drainQueue(maxBatchesPerTick)
			case <-p.done:
				p.drainQueue(-1)
				return
			}
		}
	}

	batch := make([]store.RequestLog, 0, p.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(p.baseCtx, writeTimeout)
		p.write(ctx, batch)
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-p.ch:
			batch = append(batch, entry)
			if len(batch) >= p.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-p.done:
			for {
				select {
				case entry := <-p.ch:
					batch = append(batch, entry)
					if len(batch) >= p.opts.BatchSize {
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

// drainQueue pops batches from the shared queue until it is empty or
// maxBatches were flushed. A negative maxBatches means no limit.
func (p *Pipeline) drainQueue(maxBatches int) {
	for i := 0; maxBatches < 0 || i < maxBatches; i++ {
		ctx, cancel := context.WithTimeout(p.baseCtx, writeTimeout)
		n := p.flushQueue(ctx)
		cancel()
		if n < p.opts.BatchSize {
			return
		}
	}
}

// flushQueue pops and writes one batch. It returns the number of items
// popped, or 0 when the queue is unreachable.
func (p *Pipeline) flushQueue(ctx context.Context) int {
	items, err := p.opts.Queue.PopN(ctx, QueueKey, p.opts.BatchSize)
	if err != nil {
		p.log.Warn("log_queue_pop_failed", slog.String("error", err.Error()))
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	batch := make([]store.RequestLog, 0, len(items))
	for _, raw := range items {
		var entry store.RequestLog
		if err := json.Unmarshal(raw, &entry); err != nil {
			p.log.Error("log_entry_decode_failed", slog.String("error", err.Error()))
			p.opts.Metrics.AddLogEntries("dropped", 1)
			continue
		}
		batch = append(batch, entry)
	}
	p.write(ctx, batch)
	return len(items)
}

func (p *Pipeline) write(ctx context.Context, batch []store.RequestLog) {
	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := p.db.SaveLogs(ctx, batch); err != nil {
		p.log.Error("log_flush_failed",
			slog.Int("entries", len(batch)),
			slog.String("error", err.Error()),
		)
		p.opts.Metrics.AddLogEntries("dropped", len(batch))
		return
	}
	p.opts.Metrics.ObserveLogFlush(time.Since(start))
	p.opts.Metrics.AddLogEntries("flushed", len(batch))

	for _, s := range p.opts.Sinks {
		if err := s.Write(ctx, batch); err != nil {
			p.log.Warn("log_sink_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}
