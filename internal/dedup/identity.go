package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// Identity computes the canonical dedup identity for a crawl target URL.
// The URL is normalised first so trivially different spellings of the same
// page (scheme, www prefix, default port, trailing slash, fragment) collapse
// to one identity.
func Identity(rawURL string) string {
	return hash(NormaliseTarget(rawURL))
}

// ContentIdentity computes the canonical identity for already-fetched
// content, keyed by the content bytes themselves.
func ContentIdentity(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormaliseTarget canonicalises a target URL: https scheme, lowercased host
// without www or default port, no fragment, no trailing slash on non-root
// paths. Invalid input is returned trimmed but otherwise untouched so it
// still hashes deterministically.
func NormaliseTarget(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if strings.HasPrefix(rawURL, "http://") {
		rawURL = "https://" + strings.TrimPrefix(rawURL, "http://")
	}
	if !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}

	host := strings.ToLower(parsed.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimSuffix(host, ":443")

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	normalised := "https://" + host + path
	if parsed.RawQuery != "" {
		normalised += "?" + parsed.RawQuery
	}
	return normalised
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
