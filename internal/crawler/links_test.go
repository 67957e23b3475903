package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractLinks(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><link rel="next" href="/page/2/"></head><body>
<a href="/about/">About</a>
<a href="https://example.com/about/#team">About again</a>
<a href="contact/">Contact</a>
<a href="#skip">Skip</a>
<a href="mailto:hi@example.com">Mail</a>
<a href="javascript:void(0)">JS</a>
<a rel="nofollow" href="/login/">Login</a>
<a href="https://other.org/">Elsewhere</a>
</body></html>`)

	links, err := ExtractLinks("https://example.com/blog/", body)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"https://example.com/page/2/",
		"https://example.com/about/",
		"https://example.com/blog/contact/",
		"https://other.org/",
	}, links)
}

func TestExtractLinksHonoursBaseHref(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><base href="https://example.com/root/"></head><body><a href="child/">c</a></body></html>`)
	links, err := ExtractLinks("https://example.com/elsewhere/", body)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/root/child/"}, links)
}
