package memer

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	password := "mySecurePassword123!"

	hash, err := HashPassword(password)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
	assert.NotContains(t, hash, password)

	valid, err := VerifyPassword(hash, password)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = VerifyPassword(hash, "wrongPassword")
	require.NoError(t, err)
	assert.False(t, valid)

	// hashing the same password twice produces different salts
	otherHash, err := HashPassword(password)
	require.NoError(t, err)
	assert.NotEqual(t, hash, otherHash)
}

func TestVerifyPasswordInvalidHash(t *testing.T) {
	_, err := VerifyPassword("not-a-valid-hash", "password")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("", 5))
	// rune-aware
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestChunkItems(t *testing.T) {
	chunks := chunkItems(2, 1, 2, 3, 4, 5)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunks)

	chunks = chunkItems(5, 1, 2)
	assert.Equal(t, [][]int{{1, 2}}, chunks)

	assert.Nil(t, chunkItems[int](3))
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("other secret"))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("component", "test")
	ctx = WithLogger(ctx, logger)

	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, found)
}

func TestWithLoggerNil(t *testing.T) {
	ctx := WithLogger(context.Background(), nil)
	logger, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, logger)
}

func TestStructToSlogValueRedactsSecrets(t *testing.T) {
	cfg := RedditConfig{
		ClientID:     "public-id",
		ClientSecret: "super-secret",
	}

	value := structToSlogValue(cfg)
	require.Equal(t, slog.KindGroup, value.Kind())

	attrs := map[string]string{}
	for _, attr := range value.Group() {
		attrs[attr.Key] = attr.Value.String()
	}

	assert.Equal(t, "public-id", attrs["client_id"])
	assert.Equal(t, "[redacted]", attrs["client_secret"])
}
