package memer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeMediaURLRedditVideo(t *testing.T) {
	data := gjson.Parse(
		`{
			"media": {
				"reddit_video": {
					"fallback_url": "https://v.redd.it/abc123/DASH_720.mp4?source=fallback"
				}
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://v.redd.it/abc123/DASH_720.mp4", u)
}

func TestNormalizeMediaURLSecureMediaVideo(t *testing.T) {
	data := gjson.Parse(
		`{
			"secure_media": {
				"reddit_video": {
					"fallback_url": "https://v.redd.it/xyz/DASH_480.mp4"
				}
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://v.redd.it/xyz/DASH_480.mp4", u)
}

func TestNormalizeMediaURLGallery(t *testing.T) {
	data := gjson.Parse(
		`{
			"is_gallery": true,
			"gallery_data": {
				"items": [
					{"media_id": "galleryitem1"},
					{"media_id": "galleryitem2"}
				]
			},
			"media_metadata": {
				"galleryitem1": {"m": "image/png"},
				"galleryitem2": {"m": "image/jpeg"}
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://i.redd.it/galleryitem1.png", u)
}

func TestNormalizeMediaURLGalleryUnknownMime(t *testing.T) {
	data := gjson.Parse(
		`{
			"is_gallery": true,
			"gallery_data": {"items": [{"media_id": "item1"}]},
			"media_metadata": {
				"item1": {
					"m": "application/x-unknown",
					"s": {"u": "https://preview.redd.it/item1.jpg?width=640&amp;s=sig"}
				}
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://preview.redd.it/item1.jpg?width=640&s=sig", u)
}

func TestNormalizeMediaURLGalleryMissingMetadata(t *testing.T) {
	data := gjson.Parse(
		`{"is_gallery": true, "gallery_data": {"items": []}}`,
	)

	_, ok := normalizeMediaURL(data)
	assert.False(t, ok)
}

func TestNormalizeMediaURLImgurGifv(t *testing.T) {
	data := gjson.Parse(
		`{"url": "https://i.imgur.com/abcdef.gifv"}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://i.imgur.com/abcdef.mp4", u)
}

func TestNormalizeMediaURLDirectImage(t *testing.T) {
	for _, ext := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".mp4"} {
		rawURL := "https://i.redd.it/post" + ext
		data := gjson.Parse(fmt.Sprintf(`{"url": %q}`, rawURL))

		u, ok := normalizeMediaURL(data)
		require.True(t, ok, ext)
		assert.Equal(t, rawURL, u)
	}
}

func TestNormalizeMediaURLEscapedURL(t *testing.T) {
	data := gjson.Parse(
		`{"url": "https://i.redd.it/foo.jpg?a=1&amp;b=2"}`,
	)

	// direct-extension match happens after unescaping, so the suffix
	// check fails here and the preview fallback applies
	_, ok := normalizeMediaURL(data)
	assert.False(t, ok)
}

func TestNormalizeMediaURLPreviewVariants(t *testing.T) {
	data := gjson.Parse(
		`{
			"url": "https://gfycat.com/some-page",
			"preview": {
				"images": [
					{
						"source": {"u": "https://preview.redd.it/source.jpg?s=abc"},
						"variants": {
							"mp4": {"source": {"url": "https://preview.redd.it/clip.mp4?s=abc&amp;x=1"}},
							"gif": {"source": {"url": "https://preview.redd.it/clip.gif"}}
						}
					}
				]
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://preview.redd.it/clip.mp4?s=abc&x=1", u)
}

func TestNormalizeMediaURLPreviewSourceFallback(t *testing.T) {
	data := gjson.Parse(
		`{
			"url": "https://example.com/page",
			"preview": {
				"images": [
					{"source": {"url": "https://preview.redd.it/source.jpg?s=abc"}}
				]
			}
		}`,
	)

	u, ok := normalizeMediaURL(data)
	require.True(t, ok)
	assert.Equal(t, "https://preview.redd.it/source.jpg?s=abc", u)
}

func TestNormalizeMediaURLNoMedia(t *testing.T) {
	data := gjson.Parse(`{"url": "https://old.reddit.com/r/memes/comments/abc"}`)

	_, ok := normalizeMediaURL(data)
	assert.False(t, ok)
}

func TestIsVideoURL(t *testing.T) {
	assert.True(t, isVideoURL("https://v.redd.it/abc/DASH_720.mp4"))
	assert.True(t, isVideoURL("https://example.com/clip.webm"))
	assert.True(t, isVideoURL("https://v.redd.it/abc"))
	assert.False(t, isVideoURL("https://i.redd.it/photo.jpg"))
}

func TestHashMediaURL(t *testing.T) {
	h1 := hashMediaURL("https://i.redd.it/a.jpg")
	h2 := hashMediaURL("https://i.redd.it/a.jpg")
	h3 := hashMediaURL("https://i.redd.it/b.jpg")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 40)
}
