package reject

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/nginx-cache-preloader/internal/crawler"
)

func TestPolicyAllowFetch(t *testing.T) {
	t.Parallel()

	rules, err := crawler.CompileRejectRules([]string{`/wp-admin/`}, []string{"pdf"})
	require.NoError(t, err)
	p := New(rules, []string{"Example.com"}, 2)

	require.True(t, p.AllowFetch("run", "https://example.com/", 0))
	require.True(t, p.AllowFetch("run", "https://EXAMPLE.com/post/", 2))
	require.False(t, p.AllowFetch("run", "https://example.com/post/", 3), "too deep")
	require.False(t, p.AllowFetch("run", "https://cdn.example.com/", 0), "foreign host")
	require.False(t, p.AllowFetch("run", "https://example.com/wp-admin/", 0))
	require.False(t, p.AllowFetch("run", "https://example.com/guide.pdf", 0))
}

func TestPolicyAnyHostUnlimitedDepth(t *testing.T) {
	t.Parallel()

	p := New(crawler.RejectRules{}, nil, 0)
	require.True(t, p.AllowFetch("run", "https://anywhere.test/deep/", 99))
}

func TestHostsOf(t *testing.T) {
	t.Parallel()

	hosts := HostsOf([]string{"https://a.test/x", "https://A.test/y", "http://b.test:8080/", "::bad"})
	require.Equal(t, []string{"a.test", "b.test"}, hosts)
}
