package memer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocialURLPattern(t *testing.T) {
	for _, tc := range []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "tiktok",
			content:  "check this out https://www.tiktok.com/@user/video/123456",
			expected: "https://www.tiktok.com/@user/video/123456",
		},
		{
			name:     "tiktok short link",
			content:  "https://vm.tiktok.com/ZMabcdef/",
			expected: "https://vm.tiktok.com/ZMabcdef/",
		},
		{
			name:     "instagram reel",
			content:  "lol https://instagram.com/reel/Cabc123/ lol",
			expected: "https://instagram.com/reel/Cabc123/",
		},
		{
			name:     "twitter",
			content:  "https://twitter.com/user/status/123",
			expected: "https://twitter.com/user/status/123",
		},
		{
			name:     "x.com",
			content:  "https://x.com/user/status/123",
			expected: "https://x.com/user/status/123",
		},
		{
			name:    "plain message",
			content: "nothing to see here",
		},
		{
			name:    "youtube is ignored",
			content: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		},
		{
			name:    "bare host without path",
			content: "https://twitter.com",
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(
					t,
					tc.expected,
					socialURLPattern.FindString(tc.content),
				)
			},
		)
	}
}

func TestFixSocialURL(t *testing.T) {
	for _, tc := range []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{
			name:     "tiktok",
			input:    "https://www.tiktok.com/@user/video/123",
			expected: "https://vxtiktok.com/@user/video/123",
			ok:       true,
		},
		{
			name:     "tiktok short",
			input:    "https://vm.tiktok.com/ZMabcdef/",
			expected: "https://vm.vxtiktok.com/ZMabcdef/",
			ok:       true,
		},
		{
			name:     "instagram",
			input:    "https://instagram.com/reel/Cabc/",
			expected: "https://ddinstagram.com/reel/Cabc/",
			ok:       true,
		},
		{
			name:     "twitter",
			input:    "https://twitter.com/user/status/123",
			expected: "https://fxtwitter.com/user/status/123",
			ok:       true,
		},
		{
			name:     "x.com",
			input:    "https://x.com/user/status/123?s=20",
			expected: "https://fixupx.com/user/status/123?s=20",
			ok:       true,
		},
		{
			name:  "unknown host",
			input: "https://example.com/whatever",
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				fixed, ok := fixSocialURL(tc.input)
				require.Equal(t, tc.ok, ok)
				assert.Equal(t, tc.expected, fixed)
			},
		)
	}
}
