package scheduler_test

import (
	"context"
	"testing"
	"time"

	"telefeed/internal/domain"
	"telefeed/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueIsIdempotentPerURL(t *testing.T) {
	q := scheduler.NewQueue()

	assert.True(t, q.Enqueue(domain.Feed{Link: "https://a"}, time.Hour))
	assert.False(t, q.Enqueue(domain.Feed{Link: "https://a", Title: "later"}, 0))
	assert.True(t, q.Enqueue(domain.Feed{Link: "https://b"}, time.Hour))
	assert.Equal(t, 2, q.Len())
}

func TestQueueNextReturnsEarliestFirst(t *testing.T) {
	q := scheduler.NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q.Enqueue(domain.Feed{Link: "https://late"}, 40*time.Millisecond)
	q.Enqueue(domain.Feed{Link: "https://early"}, 0)

	first, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://early", first.Link)

	second, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://late", second.Link)
	assert.Equal(t, 0, q.Len())
}

func TestQueueReservesUntilDone(t *testing.T) {
	q := scheduler.NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q.Enqueue(domain.Feed{Link: "https://a"}, 0)
	_, err := q.Next(ctx)
	require.NoError(t, err)

	assert.False(t, q.Enqueue(domain.Feed{Link: "https://a"}, 0))

	q.Done("https://a")
	assert.True(t, q.Enqueue(domain.Feed{Link: "https://a"}, 0))
}

func TestQueueNextWakesOnEnqueue(t *testing.T) {
	q := scheduler.NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(domain.Feed{Link: "https://a"}, 0)
	}()

	feed, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://a", feed.Link)
}

func TestQueueNextHonorsContext(t *testing.T) {
	q := scheduler.NewQueue()
	q.Enqueue(domain.Feed{Link: "https://a"}, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, q.Contains("https://a"))
}
