package reconcile

import (
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apergos/mw-media-sync/internal/gzline"
)

func writeGz(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	w, err := gzline.Create(path)
	require.NoError(t, err)

	for _, line := range lines {
		require.NoError(t, w.WriteString(line))
	}

	require.NoError(t, w.Close())

	return path
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

func assertSorted(t *testing.T, lines []string) {
	t.Helper()

	keys := make([]string, len(lines))
	for i, l := range lines {
		keys[i] = string(firstField([]byte(l)))
	}

	assert.True(t, sort.StringsAreSorted(keys), "output not byte-sorted: %v", keys)
}

func TestDiffFetchUploaded_MissingFile(t *testing.T) {
	// Full run, missing file: remote has dog.png that local lacks.
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz", "cat.jpg 20200101000000 /d/")
	uploads := writeGz(t, dir, "uploads.gz", "cat.jpg 20200101000000", "dog.png 20200202000000")
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"dog.png"}, readGz(t, out))
}

func TestDiffFetchUploaded_StaleFile(t *testing.T) {
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz", "cat.jpg 20200101000000 /d/")
	uploads := writeGz(t, dir, "uploads.gz", "cat.jpg 20200303000000")
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"cat.jpg"}, readGz(t, out))
}

func TestDiffFetchUploaded_LocalNewerOrEqualSkipped(t *testing.T) {
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz",
		"cat.jpg 20200404000000 /d/",
		"dog.png 20200101000000 /d/",
	)
	uploads := writeGz(t, dir, "uploads.gz",
		"cat.jpg 20200303000000",
		"dog.png 20200101000000",
	)
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Empty(t, readGz(t, out))
}

func TestDiffFetchUploaded_EmptyLocal(t *testing.T) {
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz")
	uploads := writeGz(t, dir, "uploads.gz", "a.jpg 1", "b.png 2")
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"a.jpg", "b.png"}, readGz(t, out))
}

func TestDiffFetchUploaded_EmptyRemote(t *testing.T) {
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz", "a.jpg 1 /d/")
	uploads := writeGz(t, dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Empty(t, readGz(t, out))
}

func TestDiffFetchUploaded_TrailingCharacterSortOrder(t *testing.T) {
	// A.jpg < A.jpg.jpg in byte order; the join must not conflate them.
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz", "A.jpg 20200101000000 /d/")
	uploads := writeGz(t, dir, "uploads.gz",
		"A.jpg 20200101000000",
		"A.jpg.jpg 20200101000000",
	)
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"A.jpg.jpg"}, readGz(t, out))
}

func TestDiffFetchForeign_PresenceOnly(t *testing.T) {
	dir := t.TempDir()
	local := writeGz(t, dir, "local.gz", "a.jpg 19990101000000 /d/")
	foreign := writeGz(t, dir, "foreign.gz", "a.jpg", "b.png")
	out := filepath.Join(dir, "toget.gz")

	require.NoError(t, DiffFetchForeign(local, foreign, out))

	// a.jpg is present locally; no timestamp exists to judge staleness.
	assert.Equal(t, []string{"b.png"}, readGz(t, out))
}

func TestDiffDelete_Orphan(t *testing.T) {
	dir := t.TempDir()
	keep := writeGz(t, dir, "keep.gz")
	local := writeGz(t, dir, "local.gz", "old.gif 20190101000000 /d/")
	out := filepath.Join(dir, "delete.gz")

	require.NoError(t, DiffDelete(keep, local, out))
	assert.Equal(t, []string{"old.gif 20190101000000 /d/"}, readGz(t, out))
}

func TestDiffDelete_KeepAndDeleteDisjoint(t *testing.T) {
	dir := t.TempDir()

	keepLines := []string{"a.jpg 1", "b.png", "d.pdf 4"}
	keep := writeGz(t, dir, "keep.gz", keepLines...)
	local := writeGz(t, dir, "local.gz",
		"a.jpg 1 /d/",
		"c.ogg 3 /d/",
		"d.pdf 4 /d/",
		"e.svg 5 /d/",
	)
	out := filepath.Join(dir, "delete.gz")

	require.NoError(t, DiffDelete(keep, local, out))

	deletes := readGz(t, out)
	assert.Equal(t, []string{"c.ogg 3 /d/", "e.svg 5 /d/"}, deletes)
	assertSorted(t, deletes)

	keepKeys := map[string]bool{}
	for _, line := range keepLines {
		keepKeys[string(firstField([]byte(line)))] = true
	}

	for _, line := range deletes {
		assert.False(t, keepKeys[string(firstField([]byte(line)))],
			"deleted file also on keep list: %s", line)
	}
}

func TestDiffDelete_EmptyLocal(t *testing.T) {
	dir := t.TempDir()
	keep := writeGz(t, dir, "keep.gz", "a.jpg 1")
	local := writeGz(t, dir, "local.gz")
	out := filepath.Join(dir, "delete.gz")

	require.NoError(t, DiffDelete(keep, local, out))
	assert.Empty(t, readGz(t, out))
}

func TestDiffExtra_NewUpload(t *testing.T) {
	// Incremental: c.png appeared today.
	dir := t.TempDir()
	old := writeGz(t, dir, "old.gz", "a.png 1", "b.png 1")
	today := writeGz(t, dir, "today.gz", "a.png 1", "b.png 1", "c.png 2")
	out := filepath.Join(dir, "new.gz")

	require.NoError(t, DiffExtra(today, old, out))
	assert.Equal(t, []string{"c.png 2"}, readGz(t, out))
}

func TestDiffExtra_GoneFromRemote(t *testing.T) {
	dir := t.TempDir()
	old := writeGz(t, dir, "old.gz", "a.jpg", "b.png", "c.gif")
	today := writeGz(t, dir, "today.gz", "a.jpg", "c.gif")
	out := filepath.Join(dir, "gone.gz")

	require.NoError(t, DiffExtra(old, today, out))
	assert.Equal(t, []string{"b.png"}, readGz(t, out))
}

func TestDiffExtra_SelfIsEmpty(t *testing.T) {
	dir := t.TempDir()
	stream := writeGz(t, dir, "t.gz", "a.jpg 1", "b.png 2", "c.gif 3")
	out := filepath.Join(dir, "out.gz")

	require.NoError(t, DiffExtra(stream, stream, out))
	assert.Empty(t, readGz(t, out))
}

func TestDiffExtra_ChangedTimestampCountsAsExtra(t *testing.T) {
	// Whole-line comparison: a re-uploaded file (same name, new stamp)
	// appears on the new-media list so it gets re-downloaded.
	dir := t.TempDir()
	old := writeGz(t, dir, "old.gz", "a.png 20200101000000")
	today := writeGz(t, dir, "today.gz", "a.png 20200303000000")
	out := filepath.Join(dir, "new.gz")

	require.NoError(t, DiffExtra(today, old, out))
	assert.Equal(t, []string{"a.png 20200303000000"}, readGz(t, out))
}

func TestMergeKeep_PreservesTrailingFieldsAndOrder(t *testing.T) {
	dir := t.TempDir()
	uploads := writeGz(t, dir, "uploads.gz", "b.png 20200101000000", "d.pdf 20200101000000")
	foreign := writeGz(t, dir, "foreign.gz", "a.jpg", "c.gif")
	out := filepath.Join(dir, "keep.gz")

	require.NoError(t, MergeKeep(uploads, foreign, out))

	got := readGz(t, out)
	assert.Equal(t, []string{"a.jpg", "b.png 20200101000000", "c.gif", "d.pdf 20200101000000"}, got)
	assertSorted(t, got)
}

func TestMergeKeep_KeyCommutative(t *testing.T) {
	dir := t.TempDir()
	uploads := writeGz(t, dir, "uploads.gz", "a.jpg 1", "c.gif 2")
	foreign := writeGz(t, dir, "foreign.gz", "b.png", "d.pdf")
	out1 := filepath.Join(dir, "k1.gz")
	out2 := filepath.Join(dir, "k2.gz")

	require.NoError(t, MergeKeep(uploads, foreign, out1))
	require.NoError(t, MergeKeep(foreign, uploads, out2))

	keys := func(lines []string) []string {
		out := make([]string, len(lines))
		for i, l := range lines {
			out[i] = string(firstField([]byte(l)))
		}
		return out
	}

	assert.Equal(t, keys(readGz(t, out1)), keys(readGz(t, out2)))
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, "a.jpg", string(firstField([]byte("a.jpg 123 /d/"))))
	assert.Equal(t, "a.jpg", string(firstField([]byte("a.jpg"))))
	assert.Equal(t, "123", string(secondField([]byte("a.jpg 123 /d/"))))
	assert.Nil(t, secondField([]byte("a.jpg")))
}
