// Package mediafile holds the stateless helpers shared by the inventory,
// download, and archive layers: the two-level MD5 hash path scheme, the
// filename sanity gate, and timestamp formatting. These are pure functions
// on purpose — three different components need them and none should own
// mutable state the others depend on.
package mediafile

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// TimeLayout is the 14-digit UTC timestamp used in every inventory record
// and in retired-project archive names.
const TimeLayout = "20060102150405"

// allowedExtensions is the fixed allow-list of media and document extensions
// a candidate filename must carry to be downloaded. Anything else is skipped
// by the sanity gate.
var allowedExtensions = map[string]struct{}{
	"ai": {}, "aif": {}, "aiff": {}, "avi": {}, "dia": {}, "djvu": {},
	"doc": {}, "dv": {}, "eps": {}, "gif": {}, "indd": {}, "inx": {},
	"jpg": {}, "jpeg": {}, "mid": {}, "mov": {}, "odg": {}, "odp": {},
	"ods": {}, "odt": {}, "ogg": {}, "ogv": {}, "omniplan": {}, "otf": {},
	"ott": {}, "pdf": {}, "png": {}, "ppd": {}, "ppt": {}, "psd": {},
	"stl": {}, "svg": {}, "wff2": {}, "webp": {}, "wmv": {}, "woff": {},
	"xcf": {}, "xml": {}, "zip": {},
}

// HashPath returns the two-level hash path for a media filename: the first
// hex digit of the MD5 of the raw filename bytes, then the first two, joined
// with a slash ("c/c4"). The hash is computed over the raw bytes, never over
// a percent-encoded form.
func HashPath(filename string) string {
	sum := md5.Sum([]byte(filename))
	hexsum := hex.EncodeToString(sum[:])

	return hexsum[0:1] + "/" + hexsum[0:2]
}

// HashDirs returns all 256 two-level hash directory paths ("0/00" through
// "f/ff") used to pre-create a project's media tree.
func HashDirs() []string {
	const hexdigits = "0123456789abcdef"

	dirs := make([]string, 0, 16*16)

	for i := 0; i < len(hexdigits); i++ {
		for j := 0; j < len(hexdigits); j++ {
			first := hexdigits[i : i+1]
			dirs = append(dirs, first+"/"+first+hexdigits[j:j+1])
		}
	}

	return dirs
}

// PathSafe reports whether a filename can be joined into a local path
// without escaping its hash directory: non-empty, valid UTF-8, and free of
// path separators. This is the gate for operations on files already listed
// in an inventory, where the extension is not in question.
func PathSafe(filename string) bool {
	if filename == "" || !utf8.ValidString(filename) {
		return false
	}

	return !strings.ContainsRune(filename, '/') &&
		!strings.ContainsRune(filename, os.PathSeparator)
}

// Sane reports whether a candidate filename from a fetch list may be
// downloaded: path-safe plus a dot and an allowed extension at the end.
// Rejections never consume download budget.
func Sane(filename string) bool {
	if !PathSafe(filename) {
		return false
	}

	dot := strings.LastIndexByte(filename, '.')
	if dot <= 0 || dot == len(filename)-1 {
		return false
	}

	ext := strings.ToLower(filename[dot+1:])
	_, ok := allowedExtensions[ext]

	return ok
}

// Timestamp formats t as the 14-digit UTC stamp used throughout the run.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
