package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/probe"
)

const sitesYAML = `
sites:
  - name: " Alpha "
    urlPattern: https://alpha.example/{}
    type: element_presence
    elementSelector: .profile-name
    enabled: true
  - name: Beta
    urlPattern: https://beta.example/%s
    notFoundIndicators: ["  Gone Fishing ", "gone fishing"]
    enabled: true
    rules:
      requireUsernameInBody: true
      defaultVerdictWhenInconclusive: FOUND
  - name: Gram
    urlPattern: https://gram.example/{}/
    enabled: true
    rules:
      indicatorScope: span
  - name: Retired
    urlPattern: https://retired.example/{}
    enabled: false
  - name: Blank
    urlPattern: "   "
    enabled: true
`

func TestParseFiltersAndNormalizes(t *testing.T) {
	t.Parallel()

	snap, err := Parse([]byte(sitesYAML), []byte("indicators: [\"Page Not Found\", \" page not found \", \"\"]"))
	require.NoError(t, err)
	require.Equal(t, 2, snap.Skipped)
	require.Len(t, snap.Sites, 3)

	alpha := snap.Sites[0]
	require.Equal(t, "Alpha", alpha.Name)
	require.Equal(t, probe.CheckElementPresence, alpha.CheckType)

	beta := snap.Sites[1]
	require.Equal(t, "https://beta.example/{}", beta.URLPattern)
	require.Equal(t, probe.CheckTitleHeuristic, beta.CheckType)
	require.Equal(t, []string{"gone fishing"}, beta.NotFoundIndicators)

	require.Equal(t, []string{"page not found"}, snap.Indicators.Phrases())
	require.Equal(t, probe.Rules{RequireUsernameInBody: true, DefaultVerdictWhenInconclusive: probe.VerdictFound}, snap.Rules.For("Beta"))
	require.Equal(t, "span", snap.Rules.For("Gram").IndicatorScope)
	require.Equal(t, probe.Rules{}, snap.Rules.For("Alpha"))
}

func TestParseAcceptsJSON(t *testing.T) {
	t.Parallel()

	doc := `{"sites": [{"name": "Beta", "urlPattern": "https://beta.example/{}", "type": "TITLE_HEURISTIC", "enabled": true}]}`
	snap, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	require.Zero(t, snap.Indicators.Len())
}

func TestParseRejectsInvalidEntries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "two placeholders",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}/{}', enabled: true}]",
			want: "exactly once",
		},
		{
			name: "missing placeholder",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/', enabled: true}]",
			want: "exactly once",
		},
		{
			name: "element mode without selector",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}', type: ELEMENT_PRESENCE, enabled: true}]",
			want: "element selector required",
		},
		{
			name: "bad selector",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}', elementSelector: 'div[', enabled: true}]",
			want: "invalid selector",
		},
		{
			name: "bad scope selector",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}', enabled: true, rules: {indicatorScope: '>>'}}]",
			want: "invalid selector",
		},
		{
			name: "bad default verdict",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}', enabled: true, rules: {defaultVerdictWhenInconclusive: MAYBE}}]",
			want: "unsupported inconclusive default",
		},
		{
			name: "duplicate names",
			doc:  "sites: [{name: A, urlPattern: 'https://a.example/{}', enabled: true}, {name: A, urlPattern: 'https://b.example/{}', enabled: true}]",
			want: "duplicate site name",
		},
		{
			name: "malformed yaml",
			doc:  "sites: [",
			want: "decode site catalog",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc), nil)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFromDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sitesPath := filepath.Join(dir, "sites.yaml")
	indicatorsPath := filepath.Join(dir, "indicators.yaml")
	require.NoError(t, os.WriteFile(sitesPath, []byte(sitesYAML), 0o600))
	require.NoError(t, os.WriteFile(indicatorsPath, []byte("indicators: [\"user not found\"]"), 0o600))

	snap, err := Load(sitesPath, indicatorsPath, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, snap.Sites, 3)
	require.Equal(t, 1, snap.Indicators.Len())

	_, err = Load(filepath.Join(dir, "missing.yaml"), "", nil)
	require.ErrorContains(t, err, "read site catalog")
}

func TestBundledCatalogLoads(t *testing.T) {
	t.Parallel()

	snap, err := Load(filepath.Join("..", "..", "configs", "sites.yaml"), filepath.Join("..", "..", "configs", "indicators.yaml"), nil)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Sites)
	require.Equal(t, 1, snap.Skipped)
	for _, s := range snap.Sites {
		require.NoError(t, s.Validate())
	}
	require.True(t, snap.Rules.For("Twitch").RequireUsernameInBody)
}
