package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apergos/mw-media-sync/internal/config"
	"github.com/apergos/mw-media-sync/internal/fetcher"
	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/mediafile"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

const testMatrix = `{"sitematrix": {
  "1": {"code": "en", "site": [{"url": "https://en.wikipedia.org", "dbname": "enwiki", "code": "wiki"}]},
  "2": {"code": "tk", "site": [{"url": "https://tk.wikipedia.org", "dbname": "tkwiki", "code": "wiki"}]}
}}`

func newTestEnv(t *testing.T, whitelist []string) (*runstate.Run, *registry.Registry) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, testMatrix)
	}))
	t.Cleanup(srv.Close)

	f := fetcher.New("test-agent", 1, 0, false, slog.Default())

	reg, err := registry.Build(context.Background(), f, srv.URL, "/w/api.php", whitelist, 0, slog.Default())
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Dirs.MediaDir = t.TempDir()
	cfg.Dirs.ListsDir = t.TempDir()
	cfg.Dirs.ArchiveDir = t.TempDir()

	return runstate.NewRun(cfg, false, slog.Default()), reg
}

func readGz(t *testing.T, path string) []string {
	t.Helper()

	r, err := gzline.Open(path)
	require.NoError(t, err)
	defer r.Close()

	out := []string{}

	for {
		line, err := r.Next()
		if err == io.EOF {
			return out
		}

		require.NoError(t, err)
		out = append(out, string(line))
	}
}

func placeMedia(t *testing.T, run *runstate.Run, ptype, lang, filename string, mtime time.Time) string {
	t.Helper()

	dir := filepath.Join(run.Cfg.Dirs.MediaDir, ptype, lang, mediafile.HashPath(filename))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte("media"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))

	return dir
}

func TestInitMediaDirs(t *testing.T) {
	run, reg := newTestEnv(t, []string{"enwiki"})

	require.NoError(t, InitMediaDirs(run, reg))

	assert.DirExists(t, filepath.Join(run.Cfg.Dirs.MediaDir, "wikipedia", "en", "0", "00"))
	assert.DirExists(t, filepath.Join(run.Cfg.Dirs.MediaDir, "wikipedia", "en", "f", "ff"))
	assert.NoDirExists(t, filepath.Join(run.Cfg.Dirs.MediaDir, "wikipedia", "tk"),
		"non-todo projects get no dirs")
}

func TestLocalProjects(t *testing.T) {
	run, reg := newTestEnv(t, nil)

	require.NoError(t, os.MkdirAll(filepath.Join(run.Cfg.Dirs.MediaDir, "wikipedia", "en"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(run.Cfg.Dirs.MediaDir, "wikisource", "kl"), 0o755))

	projects, err := LocalProjects(run.Cfg.Dirs.MediaDir, reg)
	require.NoError(t, err)

	assert.Equal(t, []string{"enwiki", "wikisource/kl"}, projects)
}

func TestRecordAndSortLocal(t *testing.T) {
	run, reg := newTestEnv(t, nil)

	mtime := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	dirB := placeMedia(t, run, "wikipedia", "en", "b.png", mtime)
	dirA := placeMedia(t, run, "wikipedia", "en", "a.jpg", mtime.Add(time.Hour))

	require.NoError(t, RecordLocal(run, reg, "enwiki"))

	lines := readGz(t, run.ArtifactPath("enwiki", runstate.SuffixLocalMedia))
	require.Len(t, lines, 2)

	require.NoError(t, SortLocal(run, "enwiki", reg))

	sorted := readGz(t, run.ArtifactPath("enwiki", runstate.SuffixLocalMediaSorted))
	assert.Equal(t, []string{
		"a.jpg 20200101010000 " + dirA,
		"b.png 20200101000000 " + dirB,
	}, sorted)
}

func TestRecordLocal_SkipsRetired(t *testing.T) {
	run, reg := newTestEnv(t, nil)

	require.NoError(t, RecordLocal(run, reg, "wikisource/kl"))
	assert.NoFileExists(t, run.ArtifactPath("wikisource/kl", runstate.SuffixLocalMedia))
}

func TestRecordLocal_EmptyTree(t *testing.T) {
	run, reg := newTestEnv(t, nil)

	// No media dir for the project at all: an empty inventory, not an error.
	require.NoError(t, RecordLocal(run, reg, "enwiki"))
	assert.Empty(t, readGz(t, run.ArtifactPath("enwiki", runstate.SuffixLocalMedia)))
}

func TestExpandTemplate(t *testing.T) {
	got := expandTemplate(TemplateUploaded, "enwiki", "20200101")
	assert.Equal(t, "enwiki-20200101-local-wikiqueries.gz", got)

	got = expandTemplate(TemplateForeign, "tkwiki", "20200102")
	assert.True(t, strings.HasSuffix(got, "-remote-wikiqueries.gz"))
}
