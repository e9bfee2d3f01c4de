// Package pipeline runs the storage stage: records submitted by the crawl are
// written to the record store on a single background goroutine.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
	"github.com/oreusol/pangolin/internal/metrics"
)

const defaultBufferSize = 256

// Config controls buffering and notification for the storage stage.
//   - BufferSize: capacity of the record channel (default 256).
//   - Topic: notification topic; stored records are published when Publisher is set.
type Config struct {
	BufferSize int
	Topic      string
	Publisher  crawler.Publisher
	Logger     *zap.Logger
}

// Summary counts what happened to the records the stage received.
type Summary struct {
	Received      int `json:"received"`
	Stored        int `json:"stored"`
	Duplicates    int `json:"duplicates"`
	Dropped       int `json:"dropped"`
	Published     int `json:"published"`
	PublishErrors int `json:"publish_errors"`
}

// StoragePipeline implements crawler.RecordSink. After an unexpected storage
// error it stops writing; later records are drained and counted as dropped,
// and the crawl itself keeps running.
type StoragePipeline struct {
	cfg     Config
	store   crawler.RecordStore
	logger  *zap.Logger
	records chan crawler.Record
	doneCh  chan struct{}

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	halted  atomic.Bool
	haltErr error

	statsMu sync.Mutex
	summary Summary
}

// New builds a StoragePipeline around store. Call Start before Submit.
func New(store crawler.RecordStore, cfg Config) *StoragePipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoragePipeline{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		records: make(chan crawler.Record, cfg.BufferSize),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the writer goroutine. ctx bounds every store and publish call.
func (p *StoragePipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.run(ctx)
}

// Submit hands rec to the writer, blocking while the buffer is full. It
// returns false once the stage has halted or closed, or ctx is done.
func (p *StoragePipeline) Submit(ctx context.Context, rec crawler.Record) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	if p.halted.Load() {
		p.count(func(s *Summary) {
			s.Received++
			s.Dropped++
		})
		metrics.ObserveRecord(rec.Source, metrics.RecordDroppedAfterHalt)
		return false
	}
	select {
	case p.records <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// Halted reports whether an unexpected storage error stopped the stage.
func (p *StoragePipeline) Halted() bool {
	return p.halted.Load()
}

// Close stops accepting records, waits for the buffer to drain, and closes
// the store. It returns crawler.ErrIngestionHalted (joined with the cause)
// when the stage halted.
func (p *StoragePipeline) Close(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.records)
	}
	p.mu.Unlock()

	if p.started.Load() {
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			return p.Summary(), ctx.Err()
		}
	}
	p.store.Close()

	summary := p.Summary()
	p.logger.Info("storage stage closed",
		zap.Int("received", summary.Received),
		zap.Int("stored", summary.Stored),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("dropped", summary.Dropped),
	)
	if p.halted.Load() {
		return summary, errors.Join(crawler.ErrIngestionHalted, p.haltErr)
	}
	return summary, nil
}

// Summary returns a copy of the counters.
func (p *StoragePipeline) Summary() Summary {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.summary
}

func (p *StoragePipeline) run(ctx context.Context) {
	defer close(p.doneCh)
	for rec := range p.records {
		p.handle(ctx, rec)
	}
}

func (p *StoragePipeline) handle(ctx context.Context, rec crawler.Record) {
	if p.halted.Load() {
		p.count(func(s *Summary) {
			s.Received++
			s.Dropped++
		})
		metrics.ObserveRecord(rec.Source, metrics.RecordDroppedAfterHalt)
		return
	}

	err := p.store.Add(ctx, rec)
	var dup *crawler.DuplicateRecordError
	switch {
	case err == nil:
		p.count(func(s *Summary) {
			s.Received++
			s.Stored++
		})
		metrics.ObserveRecord(rec.Source, metrics.RecordStored)
		p.publish(ctx, rec)
	case errors.As(err, &dup):
		p.count(func(s *Summary) {
			s.Received++
			s.Duplicates++
		})
		metrics.ObserveRecord(rec.Source, metrics.RecordStoreDuplicate)
		p.logger.Info("duplicate record dropped", zap.String("url", rec.URL), zap.String("constraint", dup.Constraint))
	default:
		p.count(func(s *Summary) {
			s.Received++
			s.Dropped++
		})
		metrics.ObserveRecord(rec.Source, metrics.RecordStoreError)
		p.haltErr = err
		p.halted.Store(true)
		p.logger.Error("unexpected storage error, halting ingestion", zap.String("url", rec.URL), zap.Error(err))
	}
}

func (p *StoragePipeline) publish(ctx context.Context, rec crawler.Record) {
	if p.cfg.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	id, err := p.cfg.Publisher.Publish(ctx, p.cfg.Topic, rec)
	if err != nil {
		p.count(func(s *Summary) { s.PublishErrors++ })
		p.logger.Warn("publish stored record failed", zap.String("url", rec.URL), zap.Error(err))
		return
	}
	p.count(func(s *Summary) { s.Published++ })
	p.logger.Debug("stored record published", zap.String("url", rec.URL), zap.String("message_id", id))
}

func (p *StoragePipeline) count(fn func(*Summary)) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	fn(&p.summary)
}
