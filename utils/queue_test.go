package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type records [][]byte

func TestFDQueue(t *testing.T) {
	q := NewFDQueue[records](1024, time.Millisecond, 0)

	err := q.Drain(context.Background(), records{[]byte("one"), []byte("two")})
	require.Nil(t, err)

	recs, err := q.Feed(context.Background())
	require.Nil(t, err)
	assert.Equal(t, records{[]byte("one"), []byte("two")}, recs)
	assert.Equal(t, 0, q.Size())
}

func TestFDQueueBatchLimit(t *testing.T) {
	q := NewFDQueue[records](1024, 0, 2)
	err := q.Drain(context.Background(), records{{'a'}, {'b'}, {'c'}})
	require.Nil(t, err)

	recs, err := q.Feed(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 2, len(recs))

	// the leftover record is served without another Drain
	recs, err = q.Feed(context.Background())
	require.Nil(t, err)
	assert.Equal(t, records{{'c'}}, recs)
}

func TestFDQueueOverflow(t *testing.T) {
	q := NewFDQueue[records](4, 0, 0)
	err := q.Drain(context.Background(), records{[]byte("way too big")})
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestFDQueueClose(t *testing.T) {
	q := NewFDQueue[records](1024, 0, 0)
	_ = q.Close()
	_, err := q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	err = q.Drain(context.Background(), records{{'x'}})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFDQueueFeedCancel(t *testing.T) {
	q := NewFDQueue[records](1024, 0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Feed(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
