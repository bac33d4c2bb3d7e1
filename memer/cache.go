package memer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

const diskCacheFilename = "meme_cache.json"

// ErrSubredditDisabled indicates a subreddit that is temporarily
// skipped after repeated fetch failures.
var ErrSubredditDisabled = errors.New("subreddit disabled")

// ttlSet is a capacity-bounded set whose entries expire after a TTL.
// Used to dedupe post IDs and media hashes.
type ttlSet struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	capacity int
	ttl      time.Duration
}

func newTTLSet(capacity int, ttl time.Duration) *ttlSet {
	if capacity <= 0 {
		capacity = DefaultCacheSeenSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheSeenTTL
	}
	return &ttlSet{
		entries:  make(map[string]time.Time),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Add records a key. When at capacity, expired entries are purged
// first; if still full, the oldest entry is evicted.
func (t *ttlSet) Add(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) >= t.capacity {
		t.purgeLocked()
	}
	if len(t.entries) >= t.capacity {
		var oldestKey string
		var oldest time.Time
		for k, v := range t.entries {
			if oldestKey == "" || v.Before(oldest) {
				oldestKey = k
				oldest = v
			}
		}
		delete(t.entries, oldestKey)
	}
	t.entries[key] = time.Now().Add(t.ttl)
}

// Contains reports whether the key is present and unexpired.
func (t *ttlSet) Contains(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(t.entries, key)
		return false
	}
	return true
}

func (t *ttlSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *ttlSet) purgeLocked() {
	now := time.Now()
	for k, v := range t.entries {
		if now.After(v) {
			delete(t.entries, k)
		}
	}
}

type keywordEntry struct {
	posts   []Post
	expires time.Time
}

type subredditHealth struct {
	failures      int
	disabledUntil time.Time
	lastError     string
}

// CacheStats is a point-in-time snapshot of cache state, surfaced by
// the cacheinfo admin command and the dashboard.
type CacheStats struct {
	Entries      map[string]int    `json:"entries"`
	Hits         int64             `json:"hits"`
	Misses       int64             `json:"misses"`
	SeenIDs      int               `json:"seen_ids"`
	SeenHashes   int               `json:"seen_hashes"`
	Disabled     map[string]string `json:"disabled"`
	LastWarmedAt time.Time         `json:"last_warmed_at"`
}

// PickOptions filters a cache pick.
type PickOptions struct {
	// Keyword restricts results to posts whose title matches
	Keyword string

	// NSFW includes age-restricted posts; when false they're excluded
	NSFW bool

	// ExcludeIDs drops posts recently used in the requesting channel
	ExcludeIDs map[string]bool
}

// MemeCache keeps warm per-subreddit listings in memory, backed by a
// JSON snapshot on disk so restarts don't start cold. A background
// warmer refreshes hot/new/top for each configured subreddit;
// subreddits that keep failing are disabled for a cooldown.
type MemeCache struct {
	config  CacheConfig
	reddit  *RedditClient
	blocked *blockedDomains
	logger  *slog.Logger

	// warmList provides the current set of subreddits to keep warm
	warmList func() []string

	// warmInterval and warmLimit read the runtime config so dashboard
	// changes apply without a restart
	warmInterval func() time.Duration
	warmLimit    func() int

	mu       sync.RWMutex
	warm     map[string][]Post
	keyword  map[string]keywordEntry
	health   map[string]*subredditHealth
	lastWarm time.Time

	seenIDs    *ttlSet
	seenHashes *ttlSet

	hits   atomic.Int64
	misses atomic.Int64

	diskPath string
}

// NewMemeCache returns a MemeCache. warmList, warmInterval and
// warmLimit may be nil; defaults are used.
func NewMemeCache(
	config CacheConfig,
	reddit *RedditClient,
	blocked *blockedDomains,
	diskDir string,
	logger *slog.Logger,
) *MemeCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MemeCache{
		config:     config,
		reddit:     reddit,
		blocked:    blocked,
		logger:     logger.With(loggerNameKey, "meme_cache"),
		warm:       map[string][]Post{},
		keyword:    map[string]keywordEntry{},
		health:     map[string]*subredditHealth{},
		seenIDs:    newTTLSet(config.SeenSize, config.SeenTTL),
		seenHashes: newTTLSet(config.SeenSize, config.SeenTTL),
		diskPath:   filepath.Join(diskDir, diskCacheFilename),
	}
	c.warmList = func() []string { return DefaultSFWSubreddits }
	c.warmInterval = func() time.Duration { return config.WarmInterval }
	c.warmLimit = func() int { return config.WarmLimit }
	return c
}

// SetProviders wires the cache to live configuration sources.
func (c *MemeCache) SetProviders(
	warmList func() []string,
	warmInterval func() time.Duration,
	warmLimit func() int,
) {
	if warmList != nil {
		c.warmList = warmList
	}
	if warmInterval != nil {
		c.warmInterval = warmInterval
	}
	if warmLimit != nil {
		c.warmLimit = warmLimit
	}
}

func warmKey(subreddit string, listing Listing) string {
	return strings.ToLower(subreddit) + "/" + string(listing)
}

// Run loads the disk snapshot, then warms listings on an interval
// until ctx is cancelled, snapshotting to disk periodically and once
// more at shutdown.
func (c *MemeCache) Run(ctx context.Context) {
	if err := c.LoadDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("could not load disk cache", tint.Err(err))
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(c.config.WarmDelay):
	}

	c.WarmAll(ctx)

	warmTicker := time.NewTicker(c.warmInterval())
	defer warmTicker.Stop()
	saveTicker := time.NewTicker(c.config.SaveInterval)
	defer saveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := c.SaveDisk(); err != nil {
				c.logger.Warn("could not save disk cache", tint.Err(err))
			}
			return
		case <-warmTicker.C:
			c.WarmAll(ctx)
			warmTicker.Reset(c.warmInterval())
		case <-saveTicker.C:
			if err := c.SaveDisk(); err != nil {
				c.logger.Warn("could not save disk cache", tint.Err(err))
			}
		}
	}
}

// WarmAll refreshes every configured subreddit, in batches so a long
// list doesn't hammer the API all at once.
func (c *MemeCache) WarmAll(ctx context.Context) {
	subs := c.warmList()
	batchSize := c.config.WarmBatchSize
	if batchSize <= 0 {
		batchSize = DefaultCacheWarmBatchSize
	}

	started := time.Now()
	var warmed, skipped int
	for _, batch := range chunkItems(batchSize, subs...) {
		var wg sync.WaitGroup
		for _, sub := range batch {
			if ctx.Err() != nil {
				return
			}
			if c.Disabled(sub) {
				skipped++
				continue
			}
			wg.Add(1)
			go func(sub string) {
				defer wg.Done()
				if err := c.WarmSubreddit(ctx, sub); err != nil {
					c.logger.WarnContext(
						ctx,
						"warm failed",
						"subreddit", sub,
						tint.Err(err),
					)
				}
			}(sub)
			warmed++
		}
		wg.Wait()
	}

	c.mu.Lock()
	c.lastWarm = time.Now()
	c.mu.Unlock()

	c.logger.InfoContext(
		ctx,
		"cache warm pass complete",
		"subreddits", warmed,
		"skipped_disabled", skipped,
		"elapsed", time.Since(started),
	)
}

// WarmSubreddit refreshes hot/new/top for one subreddit.
func (c *MemeCache) WarmSubreddit(ctx context.Context, subreddit string) error {
	limit := c.warmLimit()
	if limit <= 0 {
		limit = DefaultCacheWarmLimit
	}

	var lastErr error
	for _, listing := range Listings {
		posts, err := c.reddit.ListingPosts(ctx, subreddit, listing, limit)
		if err != nil {
			lastErr = err
			c.recordFailure(subreddit, err)
			if errors.Is(err, ErrSubredditUnavailable) {
				return err
			}
			continue
		}
		c.recordSuccess(subreddit)
		c.storePosts(subreddit, listing, posts)
	}
	return lastErr
}

// storePosts replaces the warm entries for one subreddit listing,
// dropping blocked domains.
func (c *MemeCache) storePosts(subreddit string, listing Listing, posts []Post) {
	filtered := posts[:0:0]
	for _, p := range posts {
		if c.blocked != nil && c.blocked.Blocked(p.Domain) {
			continue
		}
		filtered = append(filtered, p)
	}

	c.mu.Lock()
	c.warm[warmKey(subreddit, listing)] = filtered
	c.mu.Unlock()
}

// Disabled reports whether a subreddit is currently in its failure
// cooldown.
func (c *MemeCache) Disabled(subreddit string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[strings.ToLower(subreddit)]
	return ok && time.Now().Before(h.disabledUntil)
}

func (c *MemeCache) recordFailure(subreddit string, err error) {
	key := strings.ToLower(subreddit)
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[key]
	if h == nil {
		h = &subredditHealth{}
		c.health[key] = h
	}
	h.failures++
	h.lastError = err.Error()
	if errors.Is(err, ErrSubredditUnavailable) ||
		h.failures >= c.config.FailureLimit {
		h.disabledUntil = time.Now().Add(c.config.DisablePeriod)
		c.logger.Warn(
			"disabling subreddit",
			"subreddit", subreddit,
			"failures", h.failures,
			"until", h.disabledUntil,
			"last_error", h.lastError,
		)
	}
}

func (c *MemeCache) recordSuccess(subreddit string) {
	key := strings.ToLower(subreddit)
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.health[key]; ok {
		h.failures = 0
		h.disabledUntil = time.Time{}
	}
}

// ResetHealth clears failure tracking for a subreddit (or all, when
// empty), re-enabling it immediately.
func (c *MemeCache) ResetHealth(subreddit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subreddit == "" {
		c.health = map[string]*subredditHealth{}
		return
	}
	delete(c.health, strings.ToLower(subreddit))
}

// Pick selects a random post from the warm cache across the given
// subreddits, using reservoir sampling so every eligible post has
// equal odds without materializing the candidate list.
func (c *MemeCache) Pick(subs []string, opts PickOptions) (Post, error) {
	if opts.Keyword != "" {
		return c.pickKeywordCached(subs, opts)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var chosen Post
	count := 0
	for _, sub := range subs {
		for _, listing := range Listings {
			for _, p := range c.warm[warmKey(sub, listing)] {
				if !c.eligible(p, opts) {
					continue
				}
				count++
				if rand.Intn(count) == 0 {
					chosen = p
				}
			}
		}
	}
	if count == 0 {
		c.misses.Add(1)
		return Post{}, ErrNoPosts
	}
	c.hits.Add(1)
	return chosen, nil
}

// pickKeywordCached serves a keyword pick from the RAM keyword cache.
func (c *MemeCache) pickKeywordCached(
	subs []string,
	opts PickOptions,
) (Post, error) {
	kw := strings.ToLower(opts.Keyword)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var chosen Post
	count := 0
	for _, sub := range subs {
		entry, ok := c.keyword[warmKeywordKey(sub, kw)]
		if !ok || time.Now().After(entry.expires) {
			continue
		}
		for _, p := range entry.posts {
			if !c.eligible(p, opts) {
				continue
			}
			count++
			if rand.Intn(count) == 0 {
				chosen = p
			}
		}
	}
	// also scan warm listings for title matches
	for _, sub := range subs {
		for _, listing := range Listings {
			for _, p := range c.warm[warmKey(sub, listing)] {
				if !strings.Contains(strings.ToLower(p.Title), kw) {
					continue
				}
				if !c.eligible(p, opts) {
					continue
				}
				count++
				if rand.Intn(count) == 0 {
					chosen = p
				}
			}
		}
	}
	if count == 0 {
		c.misses.Add(1)
		return Post{}, ErrNoPosts
	}
	c.hits.Add(1)
	return chosen, nil
}

func warmKeywordKey(subreddit, keyword string) string {
	return strings.ToLower(subreddit) + "?" + keyword
}

func (c *MemeCache) eligible(p Post, opts PickOptions) bool {
	if p.NSFW && !opts.NSFW {
		return false
	}
	if opts.ExcludeIDs[p.ID] {
		return false
	}
	if c.blocked != nil && c.blocked.Blocked(p.Domain) {
		return false
	}
	return true
}

// StoreKeyword caches keyword search results for the configured TTL.
func (c *MemeCache) StoreKeyword(subreddit, keyword string, posts []Post) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyword[warmKeywordKey(subreddit, strings.ToLower(keyword))] = keywordEntry{
		posts:   posts,
		expires: time.Now().Add(c.config.KeywordTTL),
	}
}

// MarkSeen records a post so dedupe filters recognize it later.
func (c *MemeCache) MarkSeen(p Post) {
	c.seenIDs.Add(p.ID)
	if p.MediaHash != "" {
		c.seenHashes.Add(p.MediaHash)
	}
}

// Seen reports whether a post (by ID or media fingerprint) was
// recently served.
func (c *MemeCache) Seen(p Post) bool {
	return c.seenIDs.Contains(p.ID) ||
		(p.MediaHash != "" && c.seenHashes.Contains(p.MediaHash))
}

// Stats returns a snapshot of cache state.
func (c *MemeCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make(map[string]int, len(c.warm))
	for key, posts := range c.warm {
		entries[key] = len(posts)
	}
	disabled := map[string]string{}
	now := time.Now()
	for sub, h := range c.health {
		if now.Before(h.disabledUntil) {
			disabled[sub] = fmt.Sprintf(
				"until %s (%s)",
				h.disabledUntil.Format(time.RFC3339),
				h.lastError,
			)
		}
	}
	return CacheStats{
		Entries:      entries,
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		SeenIDs:      c.seenIDs.Len(),
		SeenHashes:   c.seenHashes.Len(),
		Disabled:     disabled,
		LastWarmedAt: c.lastWarm,
	}
}

type diskSnapshot struct {
	SavedAt time.Time         `json:"saved_at"`
	Warm    map[string][]Post `json:"warm"`
}

// SaveDisk snapshots the warm cache to the data directory. The write
// goes through a temp file and rename so a crash mid-write can't
// corrupt the snapshot.
func (c *MemeCache) SaveDisk() error {
	c.mu.RLock()
	snapshot := diskSnapshot{
		SavedAt: time.Now(),
		Warm:    make(map[string][]Post, len(c.warm)),
	}
	for k, v := range c.warm {
		snapshot.Warm[k] = v
	}
	c.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	tmp := c.diskPath + ".tmp"
	if err = os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.diskPath)
}

// LoadDisk restores the warm cache from the last snapshot. Snapshots
// older than the seen TTL are ignored.
func (c *MemeCache) LoadDisk() error {
	data, err := os.ReadFile(c.diskPath)
	if err != nil {
		return err
	}
	var snapshot diskSnapshot
	if err = json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if time.Since(snapshot.SavedAt) > c.config.SeenTTL {
		c.logger.Info(
			"ignoring stale disk cache",
			"saved_at", snapshot.SavedAt,
		)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, posts := range snapshot.Warm {
		if len(c.warm[k]) == 0 {
			c.warm[k] = posts
		}
	}
	c.logger.Info(
		"loaded disk cache",
		"saved_at", snapshot.SavedAt,
		"listings", len(snapshot.Warm),
	)
	return nil
}
