package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// Resume continues the interrupted download phase of the most recent prior
// run. For each project and repotype it locates the newest retrieval
// journal, reads its last entry as the position marker, and walks that
// run's fetch list from just past the marker, spending a fresh budget and
// appending to that run's journals. A project with no journal, or whose
// marker no longer appears in the fetch list, is skipped.
func (d *Downloader) Resume(ctx context.Context, idx runstate.MostRecentIndex) error {
	for _, project := range d.reg.Todos() {
		for _, rt := range []RepoType{RepoLocal, RepoForeign} {
			if err := d.resumeOne(ctx, project, rt, idx); err != nil {
				return err
			}
		}
	}

	return nil
}

func (d *Downloader) resumeOne(ctx context.Context, project string, rt RepoType, idx runstate.MostRecentIndex) error {
	date := idx.MostRecent(project, runstate.SuffixRetrieved(string(rt)))
	if date == "" {
		d.logger.Debug("no retrieval journal to resume from",
			slog.String("project", project),
			slog.String("repotype", string(rt)),
		)

		return nil
	}

	journalPath := d.run.PathOn(date, project, runstate.SuffixRetrieved(string(rt)))

	var marker []byte

	last, err := gzline.LastLine(journalPath)
	switch {
	case errors.Is(err, io.EOF):
		// Empty journal: the interrupted run retrieved nothing, so the
		// resumed one starts from the top of the list.
	case err != nil:
		d.logger.Warn("unreadable retrieval journal, skipping resume",
			slog.String("project", project),
			slog.String("path", journalPath),
			slog.String("error", err.Error()),
		)

		return nil
	default:
		marker = markerFromEntry(last)
	}

	listPath, ok := d.resumeList(date, project, rt)
	if !ok {
		d.logger.Warn("no fetch list alongside retrieval journal, skipping resume",
			slog.String("project", project),
			slog.String("repotype", string(rt)),
			slog.String("date", date),
		)

		return nil
	}

	d.logger.Info("resuming downloads",
		slog.String("project", project),
		slog.String("repotype", string(rt)),
		slog.String("date", date),
		slog.String("after", string(marker)),
	)

	return d.fetchFromList(ctx, project, rt, date, listPath, marker)
}

// resumeList finds the fetch list the journal's run was consuming: the
// toget list of a full run, or the new-media list of an incremental one.
func (d *Downloader) resumeList(date, project string, rt RepoType) (string, bool) {
	var suffixes []string
	if rt == RepoLocal {
		suffixes = []string{runstate.SuffixUploadedToGet, runstate.SuffixNewUploads}
	} else {
		suffixes = []string{runstate.SuffixForeignToGet, runstate.SuffixNewForeign}
	}

	for _, suffix := range suffixes {
		path := d.run.PathOn(date, project, suffix)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	return "", false
}

// markerFromEntry extracts the quoted filename from a journal entry of the
// form '<filename>' <url>. The URL never contains spaces, so everything
// before the last space is the quoted name.
func markerFromEntry(entry []byte) []byte {
	name := entry
	if i := bytes.LastIndexByte(entry, ' '); i >= 0 {
		name = entry[:i]
	}

	name = bytes.TrimSpace(name)

	if len(name) >= 2 && name[0] == '\'' && name[len(name)-1] == '\'' {
		name = name[1 : len(name)-1]
	}

	return name
}
