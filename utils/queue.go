package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("[chronos] feed/drain queue is closed")
var ErrOverflow = errors.New("[chronos] feed/drain queue is overflowed")

// FDQueue is a batching feed/drain queue. Drain appends records,
// Feed blocks until at least one record is available, then returns
// everything accumulated within the time limit, up to the batch size.
// A size limit bounds the total number of queued bytes.
type FDQueue[T ~[][]byte] struct {
	mu        sync.Mutex
	wake      chan struct{}
	accum     T
	size      int
	maxSize   int
	batchSize int
	timelimit time.Duration
	ctx       context.Context
	close     context.CancelFunc
}

func NewFDQueue[T ~[][]byte](limit int, timelimit time.Duration, batchSize int) *FDQueue[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &FDQueue[T]{
		wake:      make(chan struct{}, 1),
		maxSize:   limit,
		batchSize: batchSize,
		timelimit: timelimit,
		ctx:       ctx,
		close:     cancel,
	}
}

func (q *FDQueue[T]) Close() error {
	q.close()
	q.mu.Lock()
	q.accum = nil
	q.size = 0
	q.mu.Unlock()
	return nil
}

func (q *FDQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *FDQueue[T]) Drain(ctx context.Context, recs T) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	q.mu.Lock()
	grown := q.size
	for _, r := range recs {
		grown += len(r)
	}
	if q.maxSize > 0 && grown > q.maxSize {
		q.mu.Unlock()
		return ErrOverflow
	}
	q.size = grown
	q.accum = append(q.accum, recs...)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *FDQueue[T]) take() (recs T) {
	q.mu.Lock()
	if q.batchSize > 0 && len(q.accum) > q.batchSize {
		recs = q.accum[:q.batchSize]
		q.accum = q.accum[q.batchSize:]
	} else {
		recs = q.accum
		q.accum = nil
	}
	for _, r := range recs {
		q.size -= len(r)
	}
	leftover := len(q.accum) > 0
	q.mu.Unlock()
	if leftover {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return
}

// Feed blocks until records arrive, the context is cancelled or the
// queue is closed. After the first record it keeps accumulating for
// the queue's time limit to let a batch form.
func (q *FDQueue[T]) Feed(ctx context.Context) (recs T, err error) {
	select {
	case <-q.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.wake:
	}
	if q.timelimit > 0 {
		timer := time.NewTimer(q.timelimit)
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-q.ctx.Done():
		}
		timer.Stop()
	}
	recs = q.take()
	if len(recs) == 0 && q.ctx.Err() != nil {
		err = ErrClosed
	}
	return
}
