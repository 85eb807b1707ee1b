// Package dedup derives the canonical identity used to detect duplicate archive work.
package dedup

import (
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var ErrUnsupportedURL = errors.New("unsupported url")

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"igshid":  {},
	"igsh":    {},
	"si":      {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref_src": {},
	"ref_url": {},
	"feature": {},
	"_ga":     {},
}

// Key maps a (url, platform) pair to the identity used everywhere duplicates matter.
// A URL that normalizes is its own key regardless of platform; anything else falls
// back to "platform:raw".
func Key(rawURL, platform string) string {
	if normalized, err := NormalizeURL(rawURL); err == nil && normalized != "" {
		return normalized
	}
	return strings.ToLower(strings.TrimSpace(platform)) + ":" + strings.TrimSpace(rawURL)
}

// NormalizeURL canonicalizes an http(s) URL: lower-case scheme and host, no default
// port, no fragment, no tracking parameters, sorted query, no trailing slash.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrUnsupportedURL
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrUnsupportedURL
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", ErrUnsupportedURL
	}
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	// NFC applies to the decoded path; composed and decomposed forms re-escape alike.
	canonicalPath := &url.URL{Path: norm.NFC.String(parsed.Path)}
	path := strings.TrimRight(canonicalPath.EscapedPath(), "/")

	query := canonicalQuery(parsed.Query())

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String(), nil
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		if isTrackingParam(key) {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}
