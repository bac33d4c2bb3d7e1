package memer

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// ErrRequestTooOld indicates an interaction that sat in the queue past
// its maximum age. Discord interaction tokens lapse, so there's no
// point fetching a meme nobody can receive.
var ErrRequestTooOld = errors.New("request too old")

// ErrUserRequestPending indicates the user already has a request queued
// or being processed.
var ErrUserRequestPending = errors.New("user request already pending")

// MemeRequest is a queued meme fetch triggered by an interaction.
type MemeRequest struct {
	Interaction *discordgo.InteractionCreate
	UserID      string
	ChannelID   string
	GuildID     string

	// Subreddit is set for /r_; empty means the guild's list
	Subreddit string
	Keyword   string
	NSFW      bool

	// Priority requests (admin-initiated) jump the queue
	Priority bool

	CreatedAt time.Time

	index int
}

// Age returns how long the request has been queued.
func (r *MemeRequest) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

func (r *MemeRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("user_id", r.UserID),
		slog.String("channel_id", r.ChannelID),
		slog.String("subreddit", r.Subreddit),
		slog.String("keyword", r.Keyword),
		slog.Bool("nsfw", r.NSFW),
		slog.Bool("priority", r.Priority),
	)
}

// MemeRequestQueue is a bounded priority queue for meme fetches.
// Pushing onto a full queue evicts the oldest non-priority request;
// popping skips requests past their maximum age.
type MemeRequestQueue struct {
	queue  *requestHeap
	logger *slog.Logger
	mu     sync.Mutex

	// inFlight counts requests per user from push until Done, so a
	// user can't stack duplicate requests
	inFlight map[string]int

	// Size caps the queue; 0 means unbounded
	Size int

	// MaxAge expires stale requests at pop time; 0 disables expiry
	MaxAge time.Duration

	// readyCh signals the worker that a request was pushed
	readyCh chan struct{}
}

func NewMemeRequestQueue(
	size int,
	maxAge time.Duration,
	logger *slog.Logger,
) *MemeRequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemeRequestQueue{
		queue:    &requestHeap{},
		logger:   logger.With(loggerNameKey, "meme_queue"),
		inFlight: map[string]int{},
		Size:     size,
		MaxAge:   maxAge,
		readyCh:  make(chan struct{}, 1),
	}
	heap.Init(q.queue)
	return q
}

// Ready returns a channel that receives after each push.
func (q *MemeRequestQueue) Ready() <-chan struct{} {
	return q.readyCh
}

func (q *MemeRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

func (q *MemeRequestQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = &requestHeap{}
	heap.Init(q.queue)
	q.inFlight = map[string]int{}
}

// Pending reports whether the user has a request queued or being
// processed.
func (q *MemeRequestQueue) Pending(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight[userID] > 0
}

// Done releases the user's in-flight slot after their request has been
// processed, allowing them to queue another.
func (q *MemeRequestQueue) Done(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.release(userID)
}

// release must be called with q.mu held.
func (q *MemeRequestQueue) release(userID string) {
	if userID == "" {
		return
	}
	if q.inFlight[userID] <= 1 {
		delete(q.inFlight, userID)
		return
	}
	q.inFlight[userID]--
}

// Push enqueues a request, evicting the oldest non-priority entry if
// the queue is full (or the oldest overall if everything queued has
// priority). A user with a request already pending is rejected with
// ErrUserRequestPending.
func (q *MemeRequestQueue) Push(req *MemeRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	q.mu.Lock()
	if req.UserID != "" && q.inFlight[req.UserID] > 0 {
		q.mu.Unlock()
		q.logger.Warn("rejected duplicate request", "request", req)
		return ErrUserRequestPending
	}
	if q.Size > 0 && q.queue.Len() >= q.Size {
		var dropped *MemeRequest
		if idx, found := q.oldestNonPriority(); found {
			dropped = heap.Remove(q.queue, idx).(*MemeRequest)
			q.logger.Warn(
				"queue full, dropped oldest non-priority request",
				"dropped", dropped,
			)
		} else {
			dropped = heap.Pop(q.queue).(*MemeRequest)
			q.logger.Warn(
				"queue full of priority requests, dropped oldest",
				"dropped", dropped,
			)
		}
		q.release(dropped.UserID)
	}
	heap.Push(q.queue, req)
	if req.UserID != "" {
		q.inFlight[req.UserID]++
	}
	q.mu.Unlock()

	select {
	case q.readyCh <- struct{}{}:
	default:
	}
	return nil
}

// Pop returns the next unexpired request, or nil when the queue is
// empty.
func (q *MemeRequestQueue) Pop() *MemeRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 {
		req := heap.Pop(q.queue).(*MemeRequest)
		if q.MaxAge > 0 && req.Age() > q.MaxAge {
			q.logger.Warn(
				"discarded old request",
				"request", req,
				"age", req.Age(),
				"max_age", q.MaxAge,
			)
			q.release(req.UserID)
			continue
		}
		return req
	}
	return nil
}

// oldestNonPriority finds the index of the oldest queued request where
// Priority is false. If none exist, the returned boolean is false.
func (q *MemeRequestQueue) oldestNonPriority() (int, bool) {
	old := *q.queue
	oldestIdx := -1
	var oldestAt time.Time
	for i, req := range old {
		if req.Priority {
			continue
		}
		if oldestIdx < 0 || req.CreatedAt.Before(oldestAt) {
			oldestIdx = i
			oldestAt = req.CreatedAt
		}
	}
	if oldestIdx < 0 {
		return 0, false
	}
	return oldestIdx, true
}

type requestHeap []*MemeRequest

func (h requestHeap) Len() int {
	return len(h)
}

func (h requestHeap) Less(i, j int) bool {
	left := h[i]
	right := h[j]
	if left.Priority && !right.Priority {
		return true
	}
	if right.Priority && !left.Priority {
		return false
	}
	return left.CreatedAt.Before(right.CreatedAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	n := len(*h)
	item := x.(*MemeRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
