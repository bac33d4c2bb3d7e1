package memer

import (
	"crypto/sha1"
	"encoding/hex"
	"html"
	"mime"
	"strings"

	"github.com/tidwall/gjson"
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

var videoExtensions = []string{".mp4", ".webm", ".mov"}

// normalizeMediaURL resolves a post's best direct-media URL from the
// raw listing JSON:
//
//  1. reddit-hosted video: media.reddit_video.fallback_url
//  2. galleries: the first media_metadata item as an i.redd.it URL
//  3. imgur .gifv rewritten to .mp4
//  4. direct image/video URLs pass through
//  5. preview mp4/gif variants, then the source preview image
//
// Returns false when nothing resolves; those posts are dropped.
func normalizeMediaURL(data gjson.Result) (string, bool) {
	if fallback := data.Get("media.reddit_video.fallback_url").String(); fallback != "" {
		return stripDASHParams(fallback), true
	}
	if fallback := data.Get("secure_media.reddit_video.fallback_url").String(); fallback != "" {
		return stripDASHParams(fallback), true
	}

	if data.Get("is_gallery").Bool() {
		if u, ok := galleryMediaURL(data); ok {
			return u, true
		}
		return "", false
	}

	rawURL := data.Get("url").String()
	if rawURL == "" {
		rawURL = data.Get("url_overridden_by_dest").String()
	}
	rawURL = html.UnescapeString(rawURL)

	if fixed, ok := fixImgurURL(rawURL); ok {
		return fixed, true
	}

	if hasAnySuffix(rawURL, imageExtensions) ||
		hasAnySuffix(rawURL, videoExtensions) {
		return rawURL, true
	}

	if u := data.Get("preview.images.0.variants.mp4.source.url").String(); u != "" {
		return html.UnescapeString(u), true
	}
	if u := data.Get("preview.images.0.variants.gif.source.url").String(); u != "" {
		return html.UnescapeString(u), true
	}
	if u := data.Get("preview.images.0.source.url").String(); u != "" {
		return html.UnescapeString(u), true
	}

	return "", false
}

// galleryMediaURL resolves the first gallery item to a direct
// i.redd.it URL using its mime type.
func galleryMediaURL(data gjson.Result) (string, bool) {
	items := data.Get("gallery_data.items")
	if !items.Exists() {
		return "", false
	}
	mediaID := items.Get("0.media_id").String()
	if mediaID == "" {
		return "", false
	}
	meta := data.Get("media_metadata." + mediaID)
	if !meta.Exists() {
		return "", false
	}
	mimeType := meta.Get("m").String()
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		// fall back to the largest preview URL if the mime type
		// doesn't resolve
		if u := meta.Get("s.u").String(); u != "" {
			return html.UnescapeString(u), true
		}
		return "", false
	}
	ext := exts[len(exts)-1]
	return "https://i.redd.it/" + mediaID + ext, true
}

// fixImgurURL rewrites imgur .gifv pages to their direct .mp4, which
// Discord can embed.
func fixImgurURL(rawURL string) (string, bool) {
	if !strings.Contains(rawURL, "imgur.com") {
		return "", false
	}
	if strings.HasSuffix(rawURL, ".gifv") {
		return strings.TrimSuffix(rawURL, ".gifv") + ".mp4", true
	}
	return "", false
}

// stripDASHParams removes query parameters from reddit video fallback
// URLs (they carry DASH session junk).
func stripDASHParams(u string) string {
	if idx := strings.Index(u, "?"); idx >= 0 {
		return u[:idx]
	}
	return u
}

func hasAnySuffix(s string, suffixes []string) bool {
	lower := strings.ToLower(s)
	for _, suffix := range suffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// isVideoURL reports whether the media URL should be posted as a bare
// link (videos don't render in embeds).
func isVideoURL(u string) bool {
	return hasAnySuffix(u, videoExtensions) ||
		strings.Contains(u, "v.redd.it")
}

// hashMediaURL fingerprints a media URL so reposts with different post
// IDs still dedupe.
func hashMediaURL(u string) string {
	sum := sha1.Sum([]byte(u))
	return hex.EncodeToString(sum[:])
}
