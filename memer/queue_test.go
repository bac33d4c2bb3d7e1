package memer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemeRequestQueueOrdering(t *testing.T) {
	q := NewMemeRequestQueue(10, 0, nil)

	now := time.Now()
	q.Push(&MemeRequest{UserID: "second", CreatedAt: now.Add(-time.Minute)})
	q.Push(&MemeRequest{UserID: "third", CreatedAt: now})
	q.Push(&MemeRequest{UserID: "first", CreatedAt: now.Add(-2 * time.Minute)})

	assert.Equal(t, 3, q.Len())

	for _, expected := range []string{"first", "second", "third"} {
		req := q.Pop()
		require.NotNil(t, req)
		assert.Equal(t, expected, req.UserID)
	}
	assert.Nil(t, q.Pop())
}

func TestMemeRequestQueuePriority(t *testing.T) {
	q := NewMemeRequestQueue(10, 0, nil)

	now := time.Now()
	q.Push(&MemeRequest{UserID: "normal", CreatedAt: now.Add(-time.Hour)})
	q.Push(&MemeRequest{UserID: "vip", Priority: true, CreatedAt: now})

	req := q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "vip", req.UserID)

	req = q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "normal", req.UserID)
}

func TestMemeRequestQueueEviction(t *testing.T) {
	q := NewMemeRequestQueue(2, 0, nil)

	now := time.Now()
	q.Push(&MemeRequest{UserID: "oldest", CreatedAt: now.Add(-2 * time.Minute)})
	q.Push(&MemeRequest{UserID: "older", CreatedAt: now.Add(-time.Minute)})
	q.Push(&MemeRequest{UserID: "newest", CreatedAt: now})

	assert.Equal(t, 2, q.Len())

	req := q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "older", req.UserID)

	req = q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "newest", req.UserID)
}

func TestMemeRequestQueueEvictionSparesPriority(t *testing.T) {
	q := NewMemeRequestQueue(2, 0, nil)

	now := time.Now()
	q.Push(
		&MemeRequest{
			UserID:    "vip",
			Priority:  true,
			CreatedAt: now.Add(-time.Hour),
		},
	)
	q.Push(&MemeRequest{UserID: "normal", CreatedAt: now.Add(-time.Minute)})
	q.Push(&MemeRequest{UserID: "newest", CreatedAt: now})

	// the non-priority request was dropped even though the priority
	// request is older
	req := q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "vip", req.UserID)

	req = q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "newest", req.UserID)
}

func TestMemeRequestQueueUserDedupe(t *testing.T) {
	q := NewMemeRequestQueue(10, 0, nil)

	require.NoError(t, q.Push(&MemeRequest{UserID: "user"}))
	assert.True(t, q.Pending("user"))
	assert.ErrorIs(
		t,
		q.Push(&MemeRequest{UserID: "user"}),
		ErrUserRequestPending,
	)
	require.NoError(t, q.Push(&MemeRequest{UserID: "other"}))

	// popping alone doesn't release the slot; the request is still
	// being processed until Done
	req := q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "user", req.UserID)
	assert.ErrorIs(
		t,
		q.Push(&MemeRequest{UserID: "user"}),
		ErrUserRequestPending,
	)

	q.Done("user")
	assert.False(t, q.Pending("user"))
	require.NoError(t, q.Push(&MemeRequest{UserID: "user"}))
}

func TestMemeRequestQueueExpiryReleasesUser(t *testing.T) {
	q := NewMemeRequestQueue(10, time.Minute, nil)

	require.NoError(
		t,
		q.Push(
			&MemeRequest{
				UserID:    "user",
				CreatedAt: time.Now().Add(-2 * time.Minute),
			},
		),
	)
	assert.Nil(t, q.Pop())
	assert.False(t, q.Pending("user"))
	require.NoError(t, q.Push(&MemeRequest{UserID: "user"}))
}

func TestMemeRequestQueueEvictionReleasesUser(t *testing.T) {
	q := NewMemeRequestQueue(1, 0, nil)

	now := time.Now()
	require.NoError(
		t,
		q.Push(&MemeRequest{UserID: "evicted", CreatedAt: now.Add(-time.Minute)}),
	)
	require.NoError(t, q.Push(&MemeRequest{UserID: "second", CreatedAt: now}))

	assert.False(t, q.Pending("evicted"))
	require.NoError(t, q.Push(&MemeRequest{UserID: "evicted", CreatedAt: now}))
}

func TestMemeRequestQueueMaxAge(t *testing.T) {
	q := NewMemeRequestQueue(10, time.Minute, nil)

	q.Push(
		&MemeRequest{
			UserID:    "stale",
			CreatedAt: time.Now().Add(-2 * time.Minute),
		},
	)
	q.Push(&MemeRequest{UserID: "fresh"})

	req := q.Pop()
	require.NotNil(t, req)
	assert.Equal(t, "fresh", req.UserID)
	assert.Nil(t, q.Pop())
}

func TestMemeRequestQueueReady(t *testing.T) {
	q := NewMemeRequestQueue(10, 0, nil)

	select {
	case <-q.Ready():
		t.Fatal("ready channel should be empty")
	default:
	}

	q.Push(&MemeRequest{UserID: "user"})

	select {
	case <-q.Ready():
	case <-time.After(time.Second):
		t.Fatal("expected ready signal after push")
	}
}

func TestMemeRequestQueueClear(t *testing.T) {
	q := NewMemeRequestQueue(10, 0, nil)
	q.Push(&MemeRequest{UserID: "a"})
	q.Push(&MemeRequest{UserID: "b"})

	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Pop())
}
