package identity

import (
	"math/rand/v2"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultProfilesAreComplete(t *testing.T) {
	t.Parallel()

	profiles := DefaultProfiles()
	require.Len(t, profiles, 11)
	seen := map[string]struct{}{}
	for _, p := range profiles {
		require.NotEmpty(t, p.UserAgent)
		require.NotEmpty(t, p.Headers.Get("Accept-Language"))
		require.NotEmpty(t, p.Headers.Get("Sec-Fetch-Mode"))
		require.Empty(t, p.Headers.Get("Accept-Encoding"))
		seen[p.Name] = struct{}{}
	}
	require.Len(t, seen, len(profiles), "profile names must be unique")
}

func TestNextCoversAllProfiles(t *testing.T) {
	t.Parallel()

	r := Default(WithRand(rand.New(rand.NewPCG(7, 11))))
	counts := map[string]int{}
	for range 2000 {
		counts[r.Next().Name]++
	}
	require.Len(t, counts, 11)
	for name, n := range counts {
		require.Greater(t, n, 100, "profile %s selected too rarely", name)
	}
}

func TestNextReturnsCopies(t *testing.T) {
	t.Parallel()

	r, err := New([]Profile{{Name: "only", UserAgent: "ua", Headers: http.Header{"Dnt": {"1"}}}})
	require.NoError(t, err)

	p := r.Next()
	p.Headers.Set("Dnt", "0")
	require.Equal(t, "1", r.Next().Headers.Get("DNT"))
}

func TestApplyOverridesHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("User-Agent", "colly")
	h.Set("Accept-Language", "de")
	Profile{
		UserAgent: "Mozilla/5.0",
		Headers:   http.Header{"Accept-Language": {"it-IT"}},
	}.Apply(h)

	require.Equal(t, "Mozilla/5.0", h.Get("User-Agent"))
	require.Equal(t, []string{"it-IT"}, h.Values("Accept-Language"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
	_, err = New([]Profile{{Name: "blank"}})
	require.Error(t, err)
}
