// Package extsort sorts and merges gzipped line files in C-locale byte
// order without holding whole inventories in memory. Input lines are read
// in bounded chunks, each chunk is sorted and spilled to a gzipped run file,
// and the runs are k-way merged with a heap. The streaming joins in the
// reconcile package depend on this exact byte ordering.
package extsort

import (
	"bytes"
	"container/heap"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/apergos/mw-media-sync/internal/gzline"
)

// DefaultChunkBytes is the in-memory budget for one sort chunk. Tests set
// Options.ChunkBytes to a few bytes to force multi-run merges.
const DefaultChunkBytes = 64 << 20

// Options controls a SortFile call.
type Options struct {
	// ChunkBytes caps the bytes buffered per in-memory chunk.
	// Zero means DefaultChunkBytes.
	ChunkBytes int

	// TempDir receives spill files. Zero value means the output file's
	// directory, which keeps spills on the same filesystem as the result.
	TempDir string

	// DropFirstLine discards the first input line. Raw remote inventories
	// open with an SQL column header.
	DropFirstLine bool

	// Unique drops lines identical to their predecessor in the output.
	Unique bool
}

// SortFile reads the gzipped line file at inPath, sorts it in byte order,
// and writes the gzipped result to outPath.
func SortFile(inPath, outPath string, opts Options) error {
	chunkBytes := opts.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = filepath.Dir(outPath)
	}

	r, err := gzline.Open(inPath)
	if err != nil {
		return err
	}
	defer r.Close()

	if opts.DropFirstLine {
		if _, err := r.Next(); err != nil && err != io.EOF {
			return err
		}
	}

	runs, err := spillRuns(r, chunkBytes, tempDir)
	if err != nil {
		removeAll(runs)
		return err
	}
	defer removeAll(runs)

	return mergePaths(outPath, runs, opts.Unique)
}

// Merge k-way merges the sorted gzipped line files at inPaths into outPath,
// preserving duplicates and trailing fields. Equal lines come out in input
// order. This is the merge step behind the keep-list.
func Merge(outPath string, inPaths ...string) error {
	return mergePaths(outPath, inPaths, false)
}

// spillRuns drains r into sorted gzipped run files of at most chunkBytes
// each and returns their paths. An empty input produces one empty run so
// the merge still writes a valid (empty) output artifact.
func spillRuns(r *gzline.Reader, chunkBytes int, tempDir string) ([]string, error) {
	var (
		runs  []string
		chunk [][]byte
		size  int
	)

	flush := func() error {
		sort.SliceStable(chunk, func(i, j int) bool {
			return bytes.Compare(chunk[i], chunk[j]) < 0
		})

		f, err := os.CreateTemp(tempDir, "extsort-run-*.gz")
		if err != nil {
			return fmt.Errorf("extsort: creating run file: %w", err)
		}

		path := f.Name()
		f.Close()

		w, err := gzline.Create(path)
		if err != nil {
			return err
		}

		for _, line := range chunk {
			if err := w.WriteLine(line); err != nil {
				w.Close()
				return err
			}
		}

		if err := w.Close(); err != nil {
			return err
		}

		runs = append(runs, path)
		chunk = chunk[:0]
		size = 0

		return nil
	}

	for {
		line, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return runs, err
		}

		chunk = append(chunk, bytes.Clone(line))
		size += len(line)

		if size >= chunkBytes {
			if err := flush(); err != nil {
				return runs, err
			}
		}
	}

	if len(chunk) > 0 || len(runs) == 0 {
		if err := flush(); err != nil {
			return runs, err
		}
	}

	return runs, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// mergeItem is one head-of-stream entry in the merge heap. src breaks ties
// so equal lines come out in input order.
type mergeItem struct {
	line []byte
	src  int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].line, h[j].line); c != 0 {
		return c < 0
	}

	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

func mergePaths(outPath string, inPaths []string, unique bool) error {
	readers := make([]*gzline.Reader, 0, len(inPaths))

	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	h := make(mergeHeap, 0, len(inPaths))

	for i, path := range inPaths {
		r, err := gzline.Open(path)
		if err != nil {
			return err
		}

		readers = append(readers, r)

		line, err := r.Next()
		if err == io.EOF {
			continue
		}

		if err != nil {
			return err
		}

		h = append(h, mergeItem{line: bytes.Clone(line), src: i})
	}

	heap.Init(&h)

	w, err := gzline.Create(outPath)
	if err != nil {
		return err
	}

	var prev []byte

	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)

		if !unique || prev == nil || !bytes.Equal(prev, item.line) {
			if err := w.WriteLine(item.line); err != nil {
				w.Close()
				return err
			}

			prev = item.line
		}

		line, err := readers[item.src].Next()
		if err == io.EOF {
			continue
		}

		if err != nil {
			w.Close()
			return err
		}

		heap.Push(&h, mergeItem{line: bytes.Clone(line), src: item.src})
	}

	return w.Close()
}
