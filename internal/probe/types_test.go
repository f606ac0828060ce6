package probe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildURLSubstitutesOncePreservingCase(t *testing.T) {
	t.Parallel()

	got := BuildURL("https://example.com/u/{}", "BoB_99")
	require.Equal(t, "https://example.com/u/BoB_99", got)
	require.Equal(t, 1, strings.Count(got, "BoB_99"))

	// A username that itself looks like the placeholder is not substituted again.
	require.Equal(t, "https://example.com/{}", BuildURL("https://example.com/{}", "{}"))
}

func TestSiteValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		site Site
		want string
	}{
		{
			name: "valid title site",
			site: Site{Name: "beta", URLPattern: "https://beta.example/{}", CheckType: CheckTitleHeuristic},
		},
		{
			name: "valid element site",
			site: Site{Name: "alpha", URLPattern: "https://alpha.example/{}", CheckType: CheckElementPresence, ElementSelector: ".profile-name"},
		},
		{
			name: "missing name",
			site: Site{URLPattern: "https://x/{}", CheckType: CheckTitleHeuristic},
			want: "name",
		},
		{
			name: "no placeholder",
			site: Site{Name: "x", URLPattern: "https://x/", CheckType: CheckTitleHeuristic},
			want: "exactly once",
		},
		{
			name: "two placeholders",
			site: Site{Name: "x", URLPattern: "https://{}.x/{}", CheckType: CheckTitleHeuristic},
			want: "exactly once",
		},
		{
			name: "element mode without selector",
			site: Site{Name: "x", URLPattern: "https://x/{}", CheckType: CheckElementPresence},
			want: "element selector",
		},
		{
			name: "unknown type",
			site: Site{Name: "x", URLPattern: "https://x/{}", CheckType: "STATUS"},
			want: "unsupported check type",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.site.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestIndicatorCatalogNormalizesAndMerges(t *testing.T) {
	t.Parallel()

	catalog := NewIndicatorCatalog([]string{"  Page Not Found ", "", "page not found", "Sorry, nobody here"})
	require.Equal(t, []string{"page not found", "sorry, nobody here"}, catalog.Phrases())
	require.Equal(t, 2, catalog.Len())

	merged := catalog.Merge([]string{"USER BANNED", "page not found"})
	require.Equal(t, []string{"page not found", "sorry, nobody here", "user banned"}, merged)

	// Merging must not leak into the shared catalog.
	require.Equal(t, 2, catalog.Len())
}

func TestRuleTableFor(t *testing.T) {
	t.Parallel()

	var empty RuleTable
	require.Equal(t, Rules{}, empty.For("anything"))

	table := RuleTable{"Gamma": {RequireUsernameInBody: true}}
	require.True(t, table.For("Gamma").RequireUsernameInBody)
	require.False(t, table.For("gamma").RequireUsernameInBody)
}
