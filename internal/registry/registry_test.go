package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apergos/mw-media-sync/internal/fetcher"
)

const matrixBody = `{
  "sitematrix": {
    "count": 951,
    "266": {
      "code": "tk",
      "name": "Türkmençe",
      "site": [
        {"url": "https://tk.wikipedia.org", "dbname": "tkwiki", "code": "wiki", "sitename": "Wikipediýa"},
        {"url": "https://tk.wiktionary.org", "dbname": "tkwiktionary", "code": "wiktionary", "sitename": "Wikisözlük"}
      ]
    },
    "302": {
      "code": "en",
      "name": "English",
      "site": [
        {"url": "https://en.wikipedia.org", "dbname": "enwiki", "code": "wiki", "sitename": "Wikipedia"}
      ]
    },
    "specials": [
      {"url": "https://commons.wikimedia.org", "dbname": "commonswiki", "code": "commons", "sitename": "Commons"},
      {"url": "https://secret.wikimedia.org", "dbname": "secretwiki", "code": "secret", "private": "", "sitename": "Secret"}
    ]
  }
}`

func buildTestRegistry(t *testing.T, whitelist []string) *Registry {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "sitematrix"):
			fmt.Fprint(w, matrixBody)
		case strings.Contains(r.URL.RawQuery, "filerepoinfo"):
			fmt.Fprint(w, `{"query":{"repos":[{"name":"shared","url":"//upload.example.org/x/y"},{"name":"local","url":"//upload.wikimedia.org/wikipedia/commons"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := fetcher.New("test-agent", 1, 0, false, slog.Default())

	reg, err := Build(context.Background(), f, srv.URL+"/w/api.php", "/w/api.php", whitelist, 0, slog.Default())
	require.NoError(t, err)

	// Point the lazy filerepoinfo calls back at the test server.
	for _, proj := range reg.active {
		proj.URL = srv.URL
	}

	return reg
}

func TestBuild_RegularGroups(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	ptype, lang, err := reg.TypeLang("tkwiktionary")
	require.NoError(t, err)
	assert.Equal(t, "wiktionary", ptype)
	assert.Equal(t, "tk", lang)

	ptype, lang, err = reg.TypeLang("enwiki")
	require.NoError(t, err)
	assert.Equal(t, "wikipedia", ptype)
	assert.Equal(t, "en", lang)
}

func TestBuild_SpecialsLazyAndPrivateSkipped(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	assert.True(t, reg.IsActive("commonswiki"))
	assert.False(t, reg.IsActive("secretwiki"), "private sites are skipped")

	// Specials have no projecttype until the expensive fill runs.
	ptype, _, err := reg.TypeLang("commonswiki")
	require.NoError(t, err)
	assert.Empty(t, ptype)

	require.NoError(t, reg.FillProjectTypes(context.Background()))

	ptype, lang, err := reg.TypeLang("commonswiki")
	require.NoError(t, err)
	assert.Equal(t, "wikipedia", ptype)
	assert.Equal(t, "commons", lang)
}

func TestTodos_WhitelistElseAll(t *testing.T) {
	all := buildTestRegistry(t, nil)
	assert.Equal(t, []string{"commonswiki", "enwiki", "tkwiki", "tkwiktionary"}, all.Todos())

	some := buildTestRegistry(t, []string{"enwiki", "tkwiki"})
	assert.Equal(t, []string{"enwiki", "tkwiki"}, some.Todos())
}

func TestTypeLang_SlashIsLiteral(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	ptype, lang, err := reg.TypeLang("wikisource/kl")
	require.NoError(t, err)
	assert.Equal(t, "wikisource", ptype)
	assert.Equal(t, "kl", lang)

	assert.False(t, reg.IsActive("wikisource/kl"))
}

func TestTypeLang_Unknown(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	_, _, err := reg.TypeLang("nosuchwiki")
	assert.ErrorIs(t, err, ErrUnknownProject)
}

func TestNameFromTypeLang(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	assert.Equal(t, "enwiki", reg.NameFromTypeLang("wikipedia", "en"))
	assert.Equal(t, "wikivoyage/xx", reg.NameFromTypeLang("wikivoyage", "xx"))
}

func TestExcludeForeignRepo(t *testing.T) {
	reg := buildTestRegistry(t, nil)

	reg.ExcludeForeignRepo("commonswiki")
	assert.False(t, reg.IsActive("commonswiki"))
	assert.NotContains(t, reg.Todos(), "commonswiki")

	// Excluding an absent project is a no-op.
	reg.ExcludeForeignRepo("nosuchwiki")
}

func TestFillProjectTypes_PacedAndCancelable(t *testing.T) {
	matrix := `{"sitematrix": {"specials": [
	  {"url": "https://one.example.org", "dbname": "onewiki", "code": "one"},
	  {"url": "https://two.example.org", "dbname": "twowiki", "code": "two"}
	]}}`

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var infoCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.RawQuery, "sitematrix"):
			fmt.Fprint(w, matrix)
		case strings.Contains(r.URL.RawQuery, "filerepoinfo"):
			infoCalls++
			cancel()
			fmt.Fprint(w, `{"query":{"repos":[{"name":"local","url":"//upload.example.org/wikipedia/x"}]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	f := fetcher.New("test-agent", 1, 0, false, slog.Default())

	// A long politeness wait: the loop must notice cancellation during the
	// pause before the second site instead of sleeping it out.
	reg, err := Build(context.Background(), f, srv.URL+"/w/api.php", "/w/api.php", nil, 60, slog.Default())
	require.NoError(t, err)

	for _, proj := range reg.active {
		proj.URL = srv.URL
	}

	err = reg.FillProjectTypes(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, infoCalls)
}
