package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/parser"
)

var (
	// ErrPipelineClosed is returned when an operation is submitted after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
	// ErrPipelineCloseTimeout is returned when queued writes do not drain in time.
	ErrPipelineCloseTimeout = errors.New("pipeline: close timed out")
)

var drainTimeout = 2 * time.Minute

// Sink is the persistence layer behind the pipeline.
type Sink interface {
	UpsertItem(ctx context.Context, it models.Item) (models.Item, error)
	AppendReview(ctx context.Context, r models.Review) (orphan bool, err error)
}

type opKind int

const (
	opUpsert opKind = iota
	opReview
)

type op struct {
	kind   opKind
	item   models.Item
	review models.Review
}

// Pipeline is the single writer in front of the sink. Crawl workers submit
// operations over a channel; one goroutine applies them in order. A failed
// write is retried once, then counted as data loss and logged.
type Pipeline struct {
	ctx  context.Context
	sink Sink
	ops  chan op

	wg      sync.WaitGroup
	metrics metrics

	mu     sync.Mutex // guards closed
	closed bool

	closeOnce    sync.Once
	startOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline over sink. Writes keep going after ctx is
// cancelled so queued operations drain; ctx only carries values.
func NewPipeline(ctx context.Context, sink Sink, cfg *config.Config) *Pipeline {
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := 512
	if cfg != nil && cfg.PipelineBufferSize > 0 {
		buffer = cfg.PipelineBufferSize
	}
	return &Pipeline{
		ctx:      context.WithoutCancel(ctx),
		sink:     sink,
		ops:      make(chan op, buffer),
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker()
	})
}

// UpsertItem submits a complete listing item.
func (p *Pipeline) UpsertItem(it models.Item) error {
	if err := parser.ValidateItem(&it); err != nil {
		p.metrics.addValidation("invalid_record")
		return err
	}
	return p.enqueue(op{kind: opUpsert, item: it})
}

// MergeItem submits a partial item, such as detail-page fields, to be merged
// into the stored record with the same id.
func (p *Pipeline) MergeItem(it models.Item) error {
	if it.ID == "" {
		p.metrics.addValidation("missing_id")
		return fmt.Errorf("merge item without id for %s", it.URL)
	}
	return p.enqueue(op{kind: opUpsert, item: it})
}

// AppendReview submits a review.
func (p *Pipeline) AppendReview(r models.Review) error {
	if r.ItemID == "" {
		p.metrics.addValidation("review_missing_item")
		return fmt.Errorf("review without item id for %s", r.ItemURL)
	}
	return p.enqueue(op{kind: opReview, review: r})
}

// Close stops accepting operations and waits for queued ones to be written.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.ops)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s (%d queued)", ErrPipelineCloseTimeout, drainTimeout, len(p.ops))
	}
}

// DataLoss returns the number of operations dropped after a failed retry.
func (p *Pipeline) DataLoss() int64 {
	return p.metrics.get(func(m *metrics) int64 { return m.dataLoss })
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("items", m["items_upserted"].(int64)),
					slog.Int64("reviews", m["reviews_appended"].(int64)),
					slog.Int64("data_loss", m["data_loss"].(int64)),
					slog.Int("queued", len(p.ops)),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for o := range p.ops {
		err := p.apply(o)
		if err == nil {
			continue
		}
		p.metrics.add(func(m *metrics) { m.writeRetries++ })
		slog.Warn("persistence write failed, retrying",
			slog.String("key", o.key()),
			slog.Any("error", err),
		)
		if err = p.apply(o); err != nil {
			p.metrics.add(func(m *metrics) { m.dataLoss++ })
			slog.Error("persistence write lost",
				slog.String("key", o.key()),
				slog.Any("error", err),
			)
		}
	}
}

func (p *Pipeline) apply(o op) error {
	switch o.kind {
	case opUpsert:
		if _, err := p.sink.UpsertItem(p.ctx, o.item); err != nil {
			return err
		}
		p.metrics.add(func(m *metrics) { m.items++ })
	case opReview:
		orphan, err := p.sink.AppendReview(p.ctx, o.review)
		if err != nil {
			return err
		}
		p.metrics.add(func(m *metrics) {
			m.reviews++
			if orphan {
				m.orphans++
			}
		})
	}
	return nil
}

func (o op) key() string {
	if o.kind == opReview {
		return "review:" + o.review.ItemID
	}
	return "item:" + o.item.ID
}

func (p *Pipeline) enqueue(o op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPipelineClosed
	}

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.ops <- o:
		return nil
	}
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu           *sync.Mutex
	items        int64
	reviews      int64
	orphans      int64
	writeRetries int64
	dataLoss     int64
	validation   map[string]int
}

func newMetrics() metrics {
	return metrics{
		mu:         &sync.Mutex{},
		validation: make(map[string]int),
	}
}

func (m *metrics) add(fn func(*metrics)) {
	m.mu.Lock()
	fn(m)
	m.mu.Unlock()
}

func (m *metrics) get(fn func(*metrics) int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m)
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"items_upserted":    m.items,
		"reviews_appended":  m.reviews,
		"orphan_reviews":    m.orphans,
		"write_retries":     m.writeRetries,
		"data_loss":         m.dataLoss,
		"validation_errors": copyValidation,
	}
}
