// Package reconcile implements the streaming set operators at the heart of
// the sync engine. Every operator consumes gzipped line streams sorted in
// C-locale byte order on the leading filename field and produces output in
// the same order; none of them materializes an input in memory. The
// comparison key is the first whitespace-separated field unless noted.
package reconcile

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/apergos/mw-media-sync/internal/extsort"
	"github.com/apergos/mw-media-sync/internal/gzline"
)

// firstField returns the leading whitespace-separated field of line.
func firstField(line []byte) []byte {
	for i, b := range line {
		if b == ' ' || b == '\t' {
			return line[:i]
		}
	}

	return line
}

// secondField returns the field after the first, or nil when absent.
func secondField(line []byte) []byte {
	rest := line[len(firstField(line)):]
	rest = bytes.TrimLeft(rest, " \t")

	if len(rest) == 0 {
		return nil
	}

	return firstField(rest)
}

// MergeKeep merges the sorted project-uploads and foreign-repo lists into
// the keep-list, preserving trailing fields. Uploads records carry a
// timestamp; foreign records are bare filenames.
func MergeKeep(uploadsPath, foreignPath, outPath string) error {
	return extsort.Merge(outPath, uploadsPath, foreignPath)
}

// keyedStream walks a sorted line stream by leading-field key, holding the
// current record. Exhausted means the stream ran out while advancing.
type keyedStream struct {
	r         *gzline.Reader
	key       []byte
	line      []byte
	exhausted bool
}

func newKeyedStream(r *gzline.Reader) *keyedStream {
	// The zero-length key compares before every real filename, so the
	// first advance always reads.
	return &keyedStream{r: r, key: []byte{}}
}

// advanceWhileLess reads records until the current key is >= target or the
// stream is exhausted.
func (s *keyedStream) advanceWhileLess(target []byte) error {
	for !s.exhausted && bytes.Compare(s.key, target) < 0 {
		line, err := s.r.Next()
		if errors.Is(err, io.EOF) {
			s.exhausted = true
			return nil
		}

		if err != nil {
			return err
		}

		s.line = bytes.Clone(line)
		s.key = firstField(s.line)
	}

	return nil
}

// missing reports whether target is absent from the stream at the current
// position: either the stream is exhausted or its key has moved past
// target.
func (s *keyedStream) missing(target []byte) bool {
	return s.exhausted || bytes.Compare(s.key, target) > 0
}

// DiffFetchUploaded writes to outPath the filenames from the uploads stream
// that are missing locally or whose local timestamp is strictly older than
// the remote one. Only the filename is emitted; the downloader needs
// nothing else.
func DiffFetchUploaded(localPath, uploadsPath, outPath string) error {
	return diffFetch(localPath, uploadsPath, outPath, true)
}

// DiffFetchForeign is DiffFetchUploaded without the staleness check: the
// foreign stream carries no timestamp, so only presence can be tested.
// An older local copy of a foreign-repo file is a known, accepted gap.
func DiffFetchForeign(localPath, foreignPath, outPath string) error {
	return diffFetch(localPath, foreignPath, outPath, false)
}

func diffFetch(localPath, remotePath, outPath string, checkTime bool) error {
	local, err := gzline.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	remote, err := gzline.Open(remotePath)
	if err != nil {
		return err
	}
	defer remote.Close()

	out, err := gzline.Create(outPath)
	if err != nil {
		return err
	}

	ls := newKeyedStream(local)

	for {
		line, err := remote.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			out.Close()
			return err
		}

		remoteName := firstField(line)

		if err := ls.advanceWhileLess(remoteName); err != nil {
			out.Close()
			return err
		}

		want := ls.missing(remoteName)

		if !want && checkTime && bytes.Equal(ls.key, remoteName) {
			localTime := secondField(ls.line)
			remoteTime := secondField(line)
			// Strictly older local copy means the remote upload is newer;
			// equal or newer local is kept as is.
			want = localTime != nil && remoteTime != nil &&
				bytes.Compare(localTime, remoteTime) < 0
		}

		if want {
			if err := out.WriteLine(remoteName); err != nil {
				out.Close()
				return err
			}
		}
	}

	return out.Close()
}

// DiffDelete writes to outPath every record of the local stream whose
// filename is absent from the keep stream. The full local record is
// preserved: the delete consumer needs the directory field to locate the
// file.
func DiffDelete(keepPath, localPath, outPath string) error {
	keep, err := gzline.Open(keepPath)
	if err != nil {
		return err
	}
	defer keep.Close()

	local, err := gzline.Open(localPath)
	if err != nil {
		return err
	}
	defer local.Close()

	out, err := gzline.Create(outPath)
	if err != nil {
		return err
	}

	ks := newKeyedStream(keep)

	for {
		line, err := local.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			out.Close()
			return err
		}

		localName := firstField(line)

		if err := ks.advanceWhileLess(localName); err != nil {
			out.Close()
			return err
		}

		if ks.missing(localName) {
			if err := out.WriteLine(line); err != nil {
				out.Close()
				return err
			}
		}
	}

	return out.Close()
}

// DiffExtra writes to outPath every line of stream A that does not appear
// in stream B. Whole lines are compared: a record whose trailing fields
// changed counts as extra, which is what lets a re-uploaded file show up on
// the new-media list. Both directional diffs of the incremental mode are
// this one operator with the arguments swapped:
//
//	gone = DiffExtra(old keep, today keep)
//	new  = DiffExtra(today sorted, old sorted)
func DiffExtra(aPath, bPath, outPath string) error {
	a, err := gzline.Open(aPath)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := gzline.Open(bPath)
	if err != nil {
		return err
	}
	defer b.Close()

	out, err := gzline.Create(outPath)
	if err != nil {
		return err
	}

	var (
		bLine     = []byte{}
		exhausted bool
	)

	for {
		aLine, err := a.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			out.Close()
			return err
		}

		for !exhausted && bytes.Compare(bLine, aLine) < 0 {
			next, err := b.Next()
			if errors.Is(err, io.EOF) {
				exhausted = true
				break
			}

			if err != nil {
				out.Close()
				return err
			}

			bLine = bytes.Clone(next)
		}

		if exhausted || bytes.Compare(bLine, aLine) > 0 {
			if err := out.WriteLine(aLine); err != nil {
				out.Close()
				return err
			}
		}
	}

	return out.Close()
}

// Exists reports whether an artifact is present; operators' callers use it
// to decide whether a project must be skipped.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
