package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/handleprobe/internal/catalog"
	"github.com/JakeFAU/handleprobe/internal/config"
	"github.com/JakeFAU/handleprobe/internal/probe"
)

type fakeSearcher struct {
	urls     []string
	err      error
	username string
	closed   bool
	cfg      config.Config
}

func (f *fakeSearcher) SearchUsername(_ context.Context, username string) ([]string, error) {
	f.username = username
	return f.urls, f.err
}

func (f *fakeSearcher) Ready() error { return nil }

func (f *fakeSearcher) Close(context.Context) error {
	f.closed = true
	return nil
}

func writeConfig(t *testing.T) string {
	t.Helper()
	sites, err := filepath.Abs(filepath.Join("..", "configs", "sites.yaml"))
	require.NoError(t, err)
	indicators, err := filepath.Abs(filepath.Join("..", "configs", "indicators.yaml"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "catalog:\n  sites_file: " + sites + "\n  indicators_file: " + indicators + "\nlogging:\n  development: false\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func useSearcher(t *testing.T, fake *fakeSearcher) {
	t.Helper()
	prev := newSearcher
	newSearcher = func(cfg config.Config, _ catalog.Snapshot, _ *zap.Logger) (Searcher, error) {
		fake.cfg = cfg
		return fake, nil
	}
	t.Cleanup(func() { newSearcher = prev })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSearchPrintsFoundAccounts(t *testing.T) {
	fake := &fakeSearcher{urls: []string{"https://gitlab.com/octocat", "https://github.com/octocat"}}
	useSearcher(t, fake)

	out, err := execute(t, "--config", writeConfig(t), "search", "octocat")
	require.NoError(t, err)
	require.Equal(t, "octocat", fake.username)
	require.True(t, fake.closed)
	require.Contains(t, out, "GitHub")
	require.Contains(t, out, "https://github.com/octocat")
	require.Contains(t, out, "GitLab")
	require.Contains(t, out, "2 account(s) found")
	require.Less(t, bytes.Index([]byte(out), []byte("GitHub")), bytes.Index([]byte(out), []byte("GitLab")))
}

func TestSearchJSONOutput(t *testing.T) {
	fake := &fakeSearcher{urls: []string{"https://www.reddit.com/user/octocat"}}
	useSearcher(t, fake)

	out, err := execute(t, "--config", writeConfig(t), "search", "--json", "--concurrency", "7", "--backend", "noop", "octocat")
	require.NoError(t, err)

	var report searchReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "octocat", report.Username)
	require.Equal(t, []Match{{Site: "Reddit", URL: "https://www.reddit.com/user/octocat"}}, report.Found)
	require.Empty(t, report.Error)
	require.Equal(t, 7, fake.cfg.Engine.Concurrency)
	require.Equal(t, "noop", fake.cfg.Render.Backend)
}

func TestSearchReportsPartialResultsOnCancel(t *testing.T) {
	fake := &fakeSearcher{
		urls: []string{"https://github.com/octocat"},
		err:  errors.New("search canceled: context canceled"),
	}
	useSearcher(t, fake)

	out, err := execute(t, "--config", writeConfig(t), "search", "--json", "octocat")
	require.ErrorContains(t, err, "search canceled")

	var report searchReport
	require.NoError(t, json.Unmarshal([]byte(out[:bytes.LastIndexByte([]byte(out), '}')+1]), &report))
	require.Len(t, report.Found, 1)
	require.Contains(t, report.Error, "search canceled")
}

func TestSearchNoMatches(t *testing.T) {
	useSearcher(t, &fakeSearcher{})

	out, err := execute(t, "--config", writeConfig(t), "search", "nobody")
	require.NoError(t, err)
	require.Contains(t, out, "No accounts found")
}

func TestSearchInvalidUsername(t *testing.T) {
	useSearcher(t, &fakeSearcher{err: probe.ErrInvalidInput})

	out, err := execute(t, "--config", writeConfig(t), "search", "   ")
	require.ErrorIs(t, err, probe.ErrInvalidInput)
	require.NotContains(t, out, "account(s) found")
}

func TestSearchRequiresUsername(t *testing.T) {
	useSearcher(t, &fakeSearcher{})

	_, err := execute(t, "--config", writeConfig(t), "search")
	require.ErrorContains(t, err, "accepts 1 arg")
}

func TestSearchRejectsUnknownBackend(t *testing.T) {
	useSearcher(t, &fakeSearcher{})

	_, err := execute(t, "--config", writeConfig(t), "search", "--backend", "firefox", "octocat")
	require.ErrorContains(t, err, "render.backend")
}

func TestRootBadConfigPath(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "sites")
	require.ErrorContains(t, err, "load configuration")
}

func TestSitesListsCatalog(t *testing.T) {
	out, err := execute(t, "--config", writeConfig(t), "sites")
	require.NoError(t, err)
	require.Contains(t, out, "GitHub")
	require.Contains(t, out, "ELEMENT_PRESENCE")
	require.NotContains(t, out, "Myspace")
	require.Contains(t, out, "1 skipped")
}

func TestBuildEngineWiresNoopBackend(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	cfg.Render.Backend = "noop"
	snap, err := catalog.Load(cfg.Catalog.SitesFile, cfg.Catalog.IndicatorsFile, nil)
	require.NoError(t, err)

	searcher, err := buildEngine(cfg, snap, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, searcher.Ready())
	require.NoError(t, searcher.Close(context.Background()))
	require.ErrorIs(t, searcher.Ready(), probe.ErrEngineUnavailable)
}

func TestMatchSitesSortsBySite(t *testing.T) {
	sites := []probe.Site{
		{Name: "Zeta", URLPattern: "https://zeta.example/{}"},
		{Name: "Alpha", URLPattern: "https://alpha.example/{}"},
	}
	got := matchSites(sites, " bob ", []string{"https://zeta.example/bob", "https://alpha.example/bob"})
	require.Equal(t, []Match{
		{Site: "Alpha", URL: "https://alpha.example/bob"},
		{Site: "Zeta", URL: "https://zeta.example/bob"},
	}, got)
}
