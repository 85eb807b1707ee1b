package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://X.Example/post/1", "https://x.example/post/1"},
		{"drops trailing slash", "https://x.example/post/1/", "https://x.example/post/1"},
		{"strips tracking params", "https://x.example/post/1?utm_source=a&fbclid=b&si=c", "https://x.example/post/1"},
		{"keeps and sorts real params", "https://x.example/watch?v=abc&list=9&utm_medium=x", "https://x.example/watch?list=9&v=abc"},
		{"drops fragment", "https://x.example/post/1#comments", "https://x.example/post/1"},
		{"drops default port", "https://x.example:443/post/1", "https://x.example/post/1"},
		{"keeps explicit port", "http://x.example:8080/a", "http://x.example:8080/a"},
		{"root path", "https://x.example/", "https://x.example"},
		{"trims whitespace", "  https://x.example/a  ", "https://x.example/a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLComposesUnicodePaths(t *testing.T) {
	want := "https://x.example/caf%C3%A9"
	for _, raw := range []string{
		"https://x.example/caf%C3%A9",
		"https://x.example/cafe%CC%81",
		"https://x.example/caf\u00e9",
		"https://x.example/cafe\u0301",
	} {
		got, err := NormalizeURL(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}
	assert.Equal(t, Key("https://x.example/caf%C3%A9", "web"), Key("https://x.example/cafe%CC%81", "web"))
}

func TestNormalizeURLRejectsUnsupported(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a url", "ftp://x.example/file", "https://", "mailto:a@b.c"} {
		_, err := NormalizeURL(raw)
		assert.Error(t, err, "expected %q to be rejected", raw)
	}
}

func TestKeyIgnoresPlatformForNormalizableURLs(t *testing.T) {
	a := Key("https://x.example/post/1?utm_source=share", "twitter")
	b := Key("https://X.example/post/1/", "threads")
	assert.Equal(t, a, b)
	assert.Equal(t, "https://x.example/post/1", a)
}

func TestKeyFallsBackToPlatformForDegenerateInput(t *testing.T) {
	assert.Equal(t, "twitter:@someone", Key("  @someone ", "Twitter"))
	assert.NotEqual(t, Key("@someone", "twitter"), Key("@someone", "instagram"))
}
