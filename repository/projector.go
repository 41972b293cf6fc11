package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmadzakiakmal/milkchain/metrics"
	"github.com/cenkalti/backoff/v4"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

var (
	ErrProjectorClosed  = errors.New("projector is closed")
	ErrProjectionBehind = errors.New("projection queue is full")
)

// BatchApplier writes a projection batch.
type BatchApplier interface {
	ApplyBatch(ctx context.Context, batch *Batch) *RepositoryError
}

// Projector feeds committed blocks to the reporting database in commit
// order. Offer never waits: when the queue is full the block is dropped and
// the worker rewrites the whole ledger state from the resync source before
// it moves on.
type Projector struct {
	applier BatchApplier
	queue   chan *Batch
	metrics *metrics.Metrics
	logger  cmtlog.Logger

	newBackOff func() backoff.BackOff

	resync func() (*Batch, error)
	behind atomic.Bool
	// floor is the height of the last snapshot written. Owned by the worker.
	floor int64

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewProjector(applier BatchApplier, buffer int, m *metrics.Metrics, logger cmtlog.Logger) *Projector {
	if buffer <= 0 {
		buffer = 1
	}
	return &Projector{
		applier: applier,
		queue:   make(chan *Batch, buffer),
		metrics: m,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetResync sets the source of full snapshots. Call before Start.
func (p *Projector) SetResync(snapshot func() (*Batch, error)) {
	p.resync = snapshot
}

// Resync asks the worker to write a full snapshot before its next batch.
func (p *Projector) Resync() {
	p.behind.Store(true)
}

// Start runs the worker until ctx ends or Close drains the queue.
func (p *Projector) Start(ctx context.Context) {
	go p.run(ctx)
}

// Offer hands a batch to the worker without waiting for queue space.
func (p *Projector) Offer(batch *Batch) error {
	if batch == nil || batch.Empty() {
		return nil
	}
	select {
	case <-p.closed:
		return ErrProjectorClosed
	default:
	}
	select {
	case p.queue <- batch:
		p.metrics.ProjectionPending(len(p.queue))
		return nil
	default:
		p.behind.Store(true)
		return fmt.Errorf("%w: dropped height %d", ErrProjectionBehind, batch.Height)
	}
}

// Close stops accepting batches and waits until the queued ones are written.
// Cancel the Start context first to abandon writes that are still retrying.
func (p *Projector) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
	<-p.done
}

func (p *Projector) run(ctx context.Context) {
	defer close(p.done)
	p.catchUp(ctx)
	for {
		select {
		case batch := <-p.queue:
			p.handle(ctx, batch)
		case <-p.closed:
			for {
				select {
				case batch := <-p.queue:
					p.handle(ctx, batch)
				default:
					p.catchUp(ctx)
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Projector) handle(ctx context.Context, batch *Batch) {
	defer p.metrics.ProjectionPending(len(p.queue))

	p.catchUp(ctx)
	if batch.Height <= p.floor {
		// the snapshot already holds this block's lots and roles
		batch = &Batch{Height: batch.Height, Time: batch.Time, Txs: batch.Txs}
		if batch.Empty() {
			return
		}
	}
	p.apply(ctx, batch)
}

// catchUp writes a full snapshot when a batch was dropped since the last one.
func (p *Projector) catchUp(ctx context.Context) {
	if p.resync == nil || !p.behind.CompareAndSwap(true, false) {
		return
	}
	snapshot, err := p.resync()
	if err != nil {
		p.logger.Error("Building projection snapshot", "err", err)
		p.behind.Store(true)
		return
	}
	p.metrics.ProjectionResync()
	if !p.apply(ctx, snapshot) {
		p.behind.Store(true)
		return
	}
	p.floor = snapshot.Height
	p.logger.Info("Projection resynced", "height", snapshot.Height, "lots", len(snapshot.Lots))
}

func (p *Projector) apply(ctx context.Context, batch *Batch) bool {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		repoErr := p.applier.ApplyBatch(ctx, batch)
		if repoErr == nil {
			return nil
		}
		if !repoErr.Retryable() {
			return backoff.Permanent(repoErr)
		}
		p.logger.Info("Projection write failed, retrying", "height", batch.Height, "attempt", attempt, "err", repoErr)
		return repoErr
	}, backoff.WithContext(p.newBackOff(), ctx))
	if err != nil {
		p.logger.Error("Dropping projection batch", "height", batch.Height, "lots", len(batch.Lots), "err", err)
		return false
	}
	p.logger.Debug("Projected block", "height", batch.Height, "lots", len(batch.Lots), "txs", len(batch.Txs))
	return true
}
