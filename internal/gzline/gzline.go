// Package gzline provides line-oriented access to the gzipped list artifacts
// every other component produces and consumes. Readers treat a blank line as
// end-of-stream, matching the contract of the streaming reconcile operators,
// and handle multi-member gzip files so that appended journals read back as
// one stream.
package gzline

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// maxLineBytes bounds a single inventory line. Media filenames max out in
// the hundreds of bytes; a megabyte leaves room for long local directory
// paths on the delete lists.
const maxLineBytes = 1 << 20

// Reader reads newline-terminated lines from a gzipped file.
type Reader struct {
	f   *os.File
	gz  *gzip.Reader
	sc  *bufio.Scanner
	eof bool
}

// Open opens path for line-oriented reading.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gzline: opening %s: %w", path, err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzline: reading gzip header of %s: %w", path, err)
	}

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	return &Reader{f: f, gz: gz, sc: sc}, nil
}

// Next returns the next line without its trailing newline, or io.EOF when
// the stream ends. A blank line also ends the stream: well-formed artifacts
// never contain one, so hitting it means the remainder is not trustworthy.
// The returned slice is only valid until the next call.
func (r *Reader) Next() ([]byte, error) {
	if r.eof {
		return nil, io.EOF
	}

	if !r.sc.Scan() {
		r.eof = true

		if err := r.sc.Err(); err != nil {
			return nil, fmt.Errorf("gzline: reading line: %w", err)
		}

		return nil, io.EOF
	}

	line := r.sc.Bytes()
	if len(line) == 0 {
		r.eof = true
		return nil, io.EOF
	}

	return line, nil
}

// Close closes the underlying gzip stream and file.
func (r *Reader) Close() error {
	gzErr := r.gz.Close()

	if err := r.f.Close(); err != nil {
		return fmt.Errorf("gzline: closing file: %w", err)
	}

	if gzErr != nil {
		return fmt.Errorf("gzline: closing gzip stream: %w", gzErr)
	}

	return nil
}

// Writer writes newline-terminated lines to a gzipped file.
type Writer struct {
	f  *os.File
	gz *gzip.Writer
	bw *bufio.Writer
}

// Create truncates or creates path for line-oriented writing.
func Create(path string) (*Writer, error) {
	return newWriter(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

// Append opens path for appending. The appended lines form a new gzip
// member; Reader transparently decodes the concatenation.
func Append(path string) (*Writer, error) {
	return newWriter(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
}

func newWriter(path string, flag int) (*Writer, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("gzline: opening %s for write: %w", path, err)
	}

	gz := gzip.NewWriter(f)

	return &Writer{f: f, gz: gz, bw: bufio.NewWriter(gz)}, nil
}

// WriteLine writes line followed by a newline.
func (w *Writer) WriteLine(line []byte) error {
	if _, err := w.bw.Write(line); err != nil {
		return fmt.Errorf("gzline: writing line: %w", err)
	}

	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("gzline: writing newline: %w", err)
	}

	return nil
}

// WriteString writes s followed by a newline.
func (w *Writer) WriteString(s string) error {
	return w.WriteLine([]byte(s))
}

// Close flushes and closes the stream. It must be called for the output
// file to be complete.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("gzline: flushing: %w", err)
	}

	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("gzline: closing gzip stream: %w", err)
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("gzline: closing file: %w", err)
	}

	return nil
}

// LastLine returns the final line of a gzipped line file, or io.EOF if the
// file holds no lines. Used by the downloader to find the resume marker in
// a retrieval journal.
func LastLine(path string) ([]byte, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var last []byte

	for {
		line, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		last = bytes.Clone(line)
	}

	if last == nil {
		return nil, io.EOF
	}

	return last, nil
}
