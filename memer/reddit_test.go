package memer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testListingBody = `{
	"data": {
		"children": [
			{
				"data": {
					"id": "post1",
					"subreddit": "memes",
					"title": "first post",
					"permalink": "/r/memes/comments/post1/first_post/",
					"url": "https://i.redd.it/post1.jpg",
					"domain": "i.redd.it",
					"over_18": false
				}
			},
			{
				"data": {
					"id": "sticky",
					"stickied": true,
					"url": "https://i.redd.it/sticky.jpg"
				}
			},
			{
				"data": {
					"id": "textpost",
					"is_self": true,
					"title": "no media here"
				}
			},
			{
				"data": {
					"id": "nomedia",
					"title": "link post",
					"url": "https://old.reddit.com/r/memes/comments/xyz"
				}
			},
			{
				"data": {
					"id": "post2",
					"subreddit": "memes",
					"title": "spicy post",
					"url": "https://i.redd.it/post2.png",
					"domain": "i.redd.it",
					"over_18": true
				}
			}
		]
	}
}`

func TestListingPosts(t *testing.T) {
	var gotPath string
	var gotQuery string
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotQuery = r.URL.RawQuery
				assert.NotEmpty(t, r.Header.Get("User-Agent"))
				_, _ = fmt.Fprint(w, testListingBody)
			},
		),
	)
	defer server.Close()

	client := NewRedditClient(
		RedditConfig{BaseURL: server.URL, MaxAttempts: 1},
		nil,
	)

	posts, err := client.ListingPosts(
		context.Background(),
		"memes",
		ListingHot,
		25,
	)
	require.NoError(t, err)

	assert.Equal(t, "/r/memes/hot.json", gotPath)
	assert.Contains(t, gotQuery, "limit=25")
	assert.Contains(t, gotQuery, "raw_json=1")

	// stickied, self and no-media posts are dropped
	require.Len(t, posts, 2)
	assert.Equal(t, "post1", posts[0].ID)
	assert.Equal(t, "https://i.redd.it/post1.jpg", posts[0].MediaURL)
	assert.NotEmpty(t, posts[0].MediaHash)
	assert.False(t, posts[0].NSFW)
	assert.Equal(t, "post2", posts[1].ID)
	assert.True(t, posts[1].NSFW)
}

func TestSearchPosts(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/r/memes/search.json", r.URL.Path)
				assert.Equal(t, "cat", r.URL.Query().Get("q"))
				assert.Equal(t, "1", r.URL.Query().Get("restrict_sr"))
				_, _ = fmt.Fprint(w, testListingBody)
			},
		),
	)
	defer server.Close()

	client := NewRedditClient(
		RedditConfig{BaseURL: server.URL, MaxAttempts: 1},
		nil,
	)

	posts, err := client.SearchPosts(context.Background(), "memes", "cat", 25)
	require.NoError(t, err)
	assert.Len(t, posts, 2)
}

func TestGetSubredditUnavailable(t *testing.T) {
	for _, status := range []int{
		http.StatusForbidden,
		http.StatusNotFound,
	} {
		t.Run(
			fmt.Sprintf("status %d", status), func(t *testing.T) {
				var requestCount atomic.Int64
				server := httptest.NewServer(
					http.HandlerFunc(
						func(w http.ResponseWriter, r *http.Request) {
							requestCount.Add(1)
							w.WriteHeader(status)
						},
					),
				)
				defer server.Close()

				client := NewRedditClient(
					RedditConfig{
						BaseURL:           server.URL,
						MaxAttempts:       3,
						RequestsPerSecond: 1000,
					},
					nil,
				)

				_, err := client.ListingPosts(
					context.Background(),
					"private_sub",
					ListingHot,
					25,
				)
				assert.ErrorIs(t, err, ErrSubredditUnavailable)
				// 403/404 are not retried
				assert.Equal(t, int64(1), requestCount.Load())
			},
		)
	}
}

func TestGetRetriesServerErrors(t *testing.T) {
	var requestCount atomic.Int64
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if requestCount.Add(1) < 3 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				_, _ = fmt.Fprint(w, testListingBody)
			},
		),
	)
	defer server.Close()

	client := NewRedditClient(
		RedditConfig{
			BaseURL:           server.URL,
			MaxAttempts:       3,
			RetryBackoff:      time.Millisecond,
			RequestsPerSecond: 1000,
		},
		nil,
	)

	posts, err := client.ListingPosts(
		context.Background(),
		"memes",
		ListingHot,
		25,
	)
	require.NoError(t, err)
	assert.Len(t, posts, 2)
	assert.Equal(t, int64(3), requestCount.Load())
}

func TestGetExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		),
	)
	defer server.Close()

	client := NewRedditClient(
		RedditConfig{
			BaseURL:           server.URL,
			MaxAttempts:       2,
			RetryBackoff:      time.Millisecond,
			RequestsPerSecond: 1000,
		},
		nil,
	)

	_, err := client.ListingPosts(context.Background(), "memes", ListingHot, 25)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestAccessToken(t *testing.T) {
	var tokenRequests atomic.Int64
	authServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				tokenRequests.Add(1)
				username, password, ok := r.BasicAuth()
				require.True(t, ok)
				assert.Equal(t, "client-id", username)
				assert.Equal(t, "client-secret", password)
				require.NoError(t, r.ParseForm())
				assert.Equal(
					t,
					"client_credentials",
					r.PostForm.Get("grant_type"),
				)
				_, _ = fmt.Fprint(
					w,
					`{"access_token": "test-token", "expires_in": 3600}`,
				)
			},
		),
	)
	defer authServer.Close()

	apiServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(
					t,
					"Bearer test-token",
					r.Header.Get("Authorization"),
				)
				_, _ = fmt.Fprint(w, testListingBody)
			},
		),
	)
	defer apiServer.Close()

	client := NewRedditClient(
		RedditConfig{
			ClientID:          "client-id",
			ClientSecret:      "client-secret",
			BaseURL:           apiServer.URL,
			AuthURL:           authServer.URL,
			MaxAttempts:       1,
			RequestsPerSecond: 1000,
		},
		nil,
	)

	_, err := client.ListingPosts(context.Background(), "memes", ListingHot, 25)
	require.NoError(t, err)

	// the token is cached across requests
	_, err = client.ListingPosts(context.Background(), "memes", ListingNew, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokenRequests.Load())
}

func TestAccessTokenRefreshNearExpiry(t *testing.T) {
	var tokenRequests atomic.Int64
	authServer := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				tokenRequests.Add(1)
				// expires inside the refresh margin
				_, _ = fmt.Fprint(
					w,
					`{"access_token": "short-token", "expires_in": 30}`,
				)
			},
		),
	)
	defer authServer.Close()

	client := NewRedditClient(
		RedditConfig{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			AuthURL:      authServer.URL,
		},
		nil,
	)

	_, err := client.accessToken(context.Background())
	require.NoError(t, err)
	_, err = client.accessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), tokenRequests.Load())
}

func TestAboutSubreddit(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/r/memes/about.json":
					_, _ = fmt.Fprint(
						w,
						`{"data": {"id": "2qjpg", "display_name": "memes"}}`,
					)
				case "/r/emptysub/about.json":
					_, _ = fmt.Fprint(w, `{"data": {}}`)
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			},
		),
	)
	defer server.Close()

	client := NewRedditClient(
		RedditConfig{
			BaseURL:           server.URL,
			MaxAttempts:       1,
			RequestsPerSecond: 1000,
		},
		nil,
	)

	assert.NoError(t, client.AboutSubreddit(context.Background(), "memes"))
	assert.ErrorIs(
		t,
		client.AboutSubreddit(context.Background(), "emptysub"),
		ErrSubredditUnavailable,
	)
	assert.ErrorIs(
		t,
		client.AboutSubreddit(context.Background(), "missing"),
		ErrSubredditUnavailable,
	)
}

func TestParsePostsEmpty(t *testing.T) {
	assert.Nil(t, parsePosts([]byte(`{}`)))
	assert.Nil(t, parsePosts([]byte(`{"data": {"children": []}}`)))
	assert.Nil(t, parsePosts([]byte(`not even json`)))
}
