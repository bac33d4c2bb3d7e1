package memer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	redditPublicBaseURL = "https://www.reddit.com"
	redditOAuthBaseURL  = "https://oauth.reddit.com"
	redditTokenURL      = "https://www.reddit.com/api/v1/access_token"

	// tokenExpiryMargin refreshes the bearer token slightly early so
	// in-flight requests don't race expiry
	tokenExpiryMargin = time.Minute
)

var (
	// ErrSubredditUnavailable indicates a subreddit that is private,
	// banned or nonexistent (HTTP 403/404). Not retryable.
	ErrSubredditUnavailable = errors.New("subreddit unavailable")

	// ErrNoPosts indicates a listing or search returned no usable posts.
	ErrNoPosts = errors.New("no posts found")
)

// Listing is a Reddit listing sort.
type Listing string

const (
	ListingHot Listing = "hot"
	ListingNew Listing = "new"
	ListingTop Listing = "top"
)

// Listings is the fallback order used when scanning for posts.
var Listings = []Listing{ListingHot, ListingNew, ListingTop}

// Post is a normalized Reddit submission. MediaURL is the resolved
// direct-media URL; posts that don't normalize are dropped before
// they reach a Post value.
type Post struct {
	ID         string `json:"id"`
	Subreddit  string `json:"subreddit"`
	Title      string `json:"title"`
	Permalink  string `json:"permalink"`
	URL        string `json:"url"`
	Domain     string `json:"domain"`
	NSFW       bool   `json:"nsfw"`
	IsVideo    bool   `json:"is_video"`
	CreatedUTC int64  `json:"created_utc"`
	MediaURL   string `json:"media_url"`
	MediaHash  string `json:"media_hash"`
}

func (p Post) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("subreddit", p.Subreddit),
		slog.String("media_url", p.MediaURL),
		slog.Bool("nsfw", p.NSFW),
	)
}

// RedditClient fetches subreddit listings and searches. With
// credentials configured it uses the OAuth API (client-credentials
// grant); otherwise it falls back to the public JSON endpoints. All
// requests go through a shared rate limiter.
type RedditClient struct {
	config     RedditConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewRedditClient returns a RedditClient using the given config.
func NewRedditClient(config RedditConfig, logger *slog.Logger) *RedditClient {
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRedditRateLimit
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRedditMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRedditRetryBackoff
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultRedditUserAgent
	}
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRedditTimeout
	}
	return &RedditClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), DefaultRedditRateBurst),
		logger:     logger.With(loggerNameKey, "reddit"),
	}
}

func (r *RedditClient) authenticated() bool {
	return r.config.ClientID != "" && r.config.ClientSecret != ""
}

func (r *RedditClient) baseURL() string {
	if r.config.BaseURL != "" {
		return r.config.BaseURL
	}
	if r.authenticated() {
		return redditOAuthBaseURL
	}
	return redditPublicBaseURL
}

func (r *RedditClient) tokenURL() string {
	if r.config.AuthURL != "" {
		return r.config.AuthURL
	}
	return redditTokenURL
}

// accessToken returns a cached bearer token, requesting a new one via
// the client-credentials grant when missing or near expiry.
func (r *RedditClient) accessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && time.Now().Before(r.tokenExpiry.Add(-tokenExpiryMargin)) {
		return r.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		r.tokenURL(),
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(r.config.ClientID, r.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", r.config.UserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf(
			"token request returned status %d",
			resp.StatusCode,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", errors.New("token response missing access_token")
	}
	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	r.token = token
	r.tokenExpiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	r.logger.InfoContext(
		ctx,
		"obtained reddit access token",
		"expires_in", expiresIn,
	)
	return r.token, nil
}

// get performs a GET against the Reddit API with retries and
// exponential backoff. 403/404 responses abort immediately with
// ErrSubredditUnavailable.
func (r *RedditClient) get(
	ctx context.Context,
	path string,
	query url.Values,
) ([]byte, error) {
	u := r.baseURL() + path
	if len(query) > 0 {
		u = u + "?" + query.Encode()
	}

	var lastErr error
	backoff := r.config.RetryBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", r.config.UserAgent)
		if r.authenticated() {
			token, tokenErr := r.accessToken(ctx)
			if tokenErr != nil {
				return nil, tokenErr
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusOK && readErr == nil:
				return body, nil
			case resp.StatusCode == http.StatusForbidden,
				resp.StatusCode == http.StatusNotFound:
				return nil, fmt.Errorf(
					"%w: %s (status %d)",
					ErrSubredditUnavailable,
					path,
					resp.StatusCode,
				)
			case readErr != nil:
				lastErr = readErr
			default:
				lastErr = fmt.Errorf(
					"unexpected status %d for %s",
					resp.StatusCode,
					path,
				)
			}
		}

		if attempt < r.config.MaxAttempts {
			r.logger.WarnContext(
				ctx,
				"reddit request failed, retrying",
				"path", path,
				"attempt", attempt,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf(
		"request failed after %d attempts: %w",
		r.config.MaxAttempts,
		lastErr,
	)
}

// ListingPosts fetches a subreddit listing, returning only posts with
// resolvable media.
func (r *RedditClient) ListingPosts(
	ctx context.Context,
	subreddit string,
	listing Listing,
	limit int,
) ([]Post, error) {
	query := url.Values{
		"limit":    {fmt.Sprintf("%d", limit)},
		"raw_json": {"1"},
	}
	path := fmt.Sprintf("/r/%s/%s.json", subreddit, listing)
	body, err := r.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return parsePosts(body), nil
}

// SearchPosts searches within a subreddit, returning only posts with
// resolvable media.
func (r *RedditClient) SearchPosts(
	ctx context.Context,
	subreddit string,
	keyword string,
	limit int,
) ([]Post, error) {
	query := url.Values{
		"q":           {keyword},
		"restrict_sr": {"1"},
		"limit":       {fmt.Sprintf("%d", limit)},
		"sort":        {"relevance"},
		"raw_json":    {"1"},
	}
	path := fmt.Sprintf("/r/%s/search.json", subreddit)
	body, err := r.get(ctx, path, query)
	if err != nil {
		return nil, err
	}
	return parsePosts(body), nil
}

// AboutSubreddit checks that a subreddit exists and is public.
func (r *RedditClient) AboutSubreddit(
	ctx context.Context,
	subreddit string,
) error {
	path := fmt.Sprintf("/r/%s/about.json", subreddit)
	body, err := r.get(ctx, path, url.Values{"raw_json": {"1"}})
	if err != nil {
		return err
	}
	if gjson.GetBytes(body, "data.id").String() == "" {
		return fmt.Errorf("%w: %s", ErrSubredditUnavailable, subreddit)
	}
	return nil
}

// parsePosts extracts usable posts from a listing or search response:
// no stickied posts, no self posts, and the media URL must normalize.
func parsePosts(body []byte) []Post {
	children := gjson.GetBytes(body, "data.children")
	if !children.Exists() {
		return nil
	}

	var posts []Post
	children.ForEach(
		func(_, child gjson.Result) bool {
			data := child.Get("data")
			if !data.Exists() {
				return true
			}
			if data.Get("stickied").Bool() || data.Get("is_self").Bool() {
				return true
			}
			mediaURL, ok := normalizeMediaURL(data)
			if !ok {
				return true
			}
			posts = append(
				posts, Post{
					ID:         data.Get("id").String(),
					Subreddit:  data.Get("subreddit").String(),
					Title:      data.Get("title").String(),
					Permalink:  data.Get("permalink").String(),
					URL:        data.Get("url").String(),
					Domain:     data.Get("domain").String(),
					NSFW:       data.Get("over_18").Bool(),
					IsVideo:    data.Get("is_video").Bool(),
					CreatedUTC: int64(data.Get("created_utc").Float()),
					MediaURL:   mediaURL,
					MediaHash:  hashMediaURL(mediaURL),
				},
			)
			return true
		},
	)
	return posts
}
