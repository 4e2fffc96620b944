// Package dispatch writes derived records to an auxiliary store in
// fixed-size batches on a bounded pool of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/endeavourhealth/transforms/internal/metrics"
)

// ErrDispatch marks a batch the store failed to save.
var ErrDispatch = errors.New("batch dispatch failed")

// DispatchError wraps the store error for one batch.
type DispatchError struct {
	Batch int
	Size  int
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch batch %d (%d records): %v", e.Batch, e.Size, e.Err)
}

func (e *DispatchError) Unwrap() []error { return []error{ErrDispatch, e.Err} }

// BatchStore persists a batch of records. It is called from worker
// goroutines and must be safe for concurrent use.
type BatchStore[T any] interface {
	SaveBatch(ctx context.Context, batch []T) error
}

// BatchStoreFunc adapts a function to BatchStore.
type BatchStoreFunc[T any] func(ctx context.Context, batch []T) error

func (f BatchStoreFunc[T]) SaveBatch(ctx context.Context, batch []T) error { return f(ctx, batch) }

// Dispatcher accumulates records and saves them in batches. Submit, Flush,
// Drain and Abandon must be called from a single goroutine; only the saves run
// concurrently. A failed batch does not cancel its siblings.
type Dispatcher[T any] struct {
	store     BatchStore[T]
	threshold int
	workers   int

	pending []T
	g       *errgroup.Group
	batches int
	saved   atomic.Int64
}

// New returns a dispatcher that cuts a batch every threshold records and
// runs at most workers saves at once.
func New[T any](store BatchStore[T], threshold, workers int) *Dispatcher[T] {
	if threshold <= 0 {
		threshold = 1
	}
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher[T]{
		store:     store,
		threshold: threshold,
		workers:   workers,
		pending:   make([]T, 0, threshold),
	}
	d.g = d.newGroup()
	return d
}

func (d *Dispatcher[T]) newGroup() *errgroup.Group {
	g := new(errgroup.Group)
	g.SetLimit(d.workers)
	return g
}

// Submit adds a record. When the pending batch reaches the threshold it is
// handed to a worker, blocking while every worker is busy.
func (d *Dispatcher[T]) Submit(ctx context.Context, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.pending = append(d.pending, rec)
	if len(d.pending) >= d.threshold {
		d.dispatch(ctx)
	}
	return nil
}

// Flush hands off the pending partial batch, if any.
func (d *Dispatcher[T]) Flush(ctx context.Context) {
	if len(d.pending) > 0 {
		d.dispatch(ctx)
	}
}

func (d *Dispatcher[T]) dispatch(ctx context.Context) {
	batch := d.pending
	d.pending = make([]T, 0, d.threshold)
	d.batches++
	n := d.batches

	metrics.BatchesDispatched.Inc()
	d.g.Go(func() error {
		if err := d.store.SaveBatch(ctx, batch); err != nil {
			metrics.BatchFailures.Inc()
			return &DispatchError{Batch: n, Size: len(batch), Err: err}
		}
		d.saved.Add(int64(len(batch)))
		return nil
	})
}

// Drain flushes the final partial batch, waits for every outstanding save
// and returns the first failure. The dispatcher can be reused afterwards.
func (d *Dispatcher[T]) Drain(ctx context.Context) error {
	d.Flush(ctx)
	err := d.g.Wait()
	d.g = d.newGroup()
	return err
}

// Abandon discards the pending partial batch and waits for batches already
// handed to workers. It returns the first failure among those and the number
// of records dropped. The dispatcher can be reused afterwards.
func (d *Dispatcher[T]) Abandon() (int, error) {
	dropped := len(d.pending)
	d.pending = make([]T, 0, d.threshold)
	err := d.g.Wait()
	d.g = d.newGroup()
	return dropped, err
}

// Pending returns the number of records not yet handed to a worker.
func (d *Dispatcher[T]) Pending() int { return len(d.pending) }

// BatchesDispatched returns how many batches have been handed off.
func (d *Dispatcher[T]) BatchesDispatched() int { return d.batches }

// Saved returns how many records the store has accepted.
func (d *Dispatcher[T]) Saved() int64 { return d.saved.Load() }
