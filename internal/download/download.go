// Package download implements the bounded, resumable media downloader. It
// consumes the per-project fetch lists up to the configured per-repotype
// caps, journals every outcome exactly once, and paces requests with the
// configured politeness wait.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/apergos/mw-media-sync/internal/fetcher"
	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/mediafile"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// RepoType distinguishes the two download sources. The value appears
// verbatim in journal filenames.
type RepoType string

const (
	// RepoLocal is media uploaded to the project itself.
	RepoLocal RepoType = "local"

	// RepoForeign is media hosted on the shared foreign repository.
	RepoForeign RepoType = "foreignrepo"
)

// Downloader drives the budgeted download loops for one run.
type Downloader struct {
	run    *runstate.Run
	reg    *registry.Registry
	fetch  *fetcher.Fetcher
	logger *slog.Logger

	// limiter paces requests for politeness toward the remote servers.
	// Nil means no wait configured.
	limiter *rate.Limiter

	// Progress, when non-nil, receives one human-readable line per
	// retrieved file. The CLI wires it to stdout on a terminal.
	Progress io.Writer
}

// New creates a Downloader bound to one run.
func New(run *runstate.Run, reg *registry.Registry, f *fetcher.Fetcher) *Downloader {
	var limiter *rate.Limiter
	if wait := run.Cfg.Limits.HTTPWait; wait > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Duration(wait)*time.Second), 1)
	}

	return &Downloader{
		run:     run,
		reg:     reg,
		fetch:   f,
		logger:  run.Logger,
		limiter: limiter,
	}
}

// listSuffix returns the fetch-list suffix a repotype consumes in the given
// mode: the toget lists for full runs, the new-media lists for incremental
// ones.
func listSuffix(rt RepoType, mode runstate.Mode) string {
	switch {
	case rt == RepoLocal && mode == runstate.ModeFull:
		return runstate.SuffixUploadedToGet
	case rt == RepoLocal:
		return runstate.SuffixNewUploads
	case mode == runstate.ModeFull:
		return runstate.SuffixForeignToGet
	default:
		return runstate.SuffixNewForeign
	}
}

func (d *Downloader) budget(rt RepoType) int {
	if rt == RepoLocal {
		return d.run.Cfg.Limits.MaxUploadedGets
	}

	return d.run.Cfg.Limits.MaxForeignRepoGets
}

// FetchAll runs the download loop for every todo project and both
// repotypes, reading today's fetch lists as selected by each project's
// mode. A missing list is logged and skipped; the run proceeds.
func (d *Downloader) FetchAll(ctx context.Context, modes map[string]runstate.Mode) error {
	for _, project := range d.reg.Todos() {
		for _, rt := range []RepoType{RepoLocal, RepoForeign} {
			listPath := d.run.ArtifactPath(project, listSuffix(rt, modes[project]))

			err := d.fetchFromList(ctx, project, rt, d.run.Today, listPath, nil)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// fetchFromList downloads entries from one fetch list until the repotype
// budget is spent, skipping entries up to and including skipTo when
// resuming. Outcomes are journaled in the working directory of date.
func (d *Downloader) fetchFromList(ctx context.Context, project string, rt RepoType, date, listPath string, skipTo []byte) error {
	budget := d.budget(rt)
	if budget == 0 {
		d.logger.Debug("download cap is zero, skipping",
			slog.String("project", project),
			slog.String("repotype", string(rt)),
		)

		return nil
	}

	list, err := gzline.Open(listPath)
	if err != nil {
		d.logger.Warn("fetch list missing, skipping project",
			slog.String("project", project),
			slog.String("repotype", string(rt)),
			slog.String("path", listPath),
			slog.String("error", runstate.ErrArtifactMissing.Error()),
		)

		return nil
	}
	defer list.Close()

	journal, err := d.openJournals(project, rt, date)
	if err != nil {
		return err
	}
	// Close again on the error paths; close is idempotent.
	defer journal.close()

	used := 0

	for used < budget {
		line, err := list.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return err
		}

		filename := string(firstField(line))

		if skipTo != nil {
			if bytes.Equal(firstField(line), skipTo) {
				skipTo = nil
			}

			continue
		}

		if !mediafile.Sane(filename) {
			d.logger.Debug("skipping insane filename",
				slog.String("project", project),
				slog.String("filename", filename),
			)

			continue
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("download: canceled: %w", err)
		}

		consumed, err := d.fetchOne(ctx, project, rt, filename, journal)
		if err != nil {
			return err
		}

		if consumed {
			used++
		}
	}

	if skipTo != nil {
		d.logger.Warn("resume marker not found in fetch list, nothing downloaded",
			slog.String("project", project),
			slog.String("repotype", string(rt)),
			slog.String("marker", string(skipTo)),
		)
	}

	// A failed flush here would truncate the journal the resume path
	// depends on; it must surface, not vanish in a deferred call.
	if err := journal.close(); err != nil {
		return fmt.Errorf("download: closing journals for %s: %w", project, err)
	}

	return nil
}

// fetchOne retrieves a single file and journals the outcome. It reports
// whether the attempt consumed budget: successes and non-404 failures do,
// 404s (dangling references) do not.
func (d *Downloader) fetchOne(ctx context.Context, project string, rt RepoType, filename string, journal *journals) (bool, error) {
	fileURL, destDir, err := d.resolve(project, rt, filename)
	if err != nil {
		return false, err
	}

	dest := filepath.Join(destDir, filename)

	if !d.run.DryRun {
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return false, fmt.Errorf("download: creating hash dir for %s: %w", filename, err)
		}
	}

	if d.limiter != nil && !d.run.DryRun {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("download: canceled while pacing: %w", err)
		}
	}

	status, err := d.fetch.GetFile(ctx, fileURL, dest, true)
	if err != nil {
		return false, err
	}

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		if err := journal.success(filename, fileURL); err != nil {
			return false, err
		}

		d.reportRetrieved(filename, dest)

		return true, nil
	}

	d.logger.Warn("failed to retrieve media file",
		slog.String("project", project),
		slog.String("repotype", string(rt)),
		slog.String("filename", filename),
		slog.Int("status", status),
	)

	if err := journal.failure(filename, status, fileURL); err != nil {
		return false, err
	}

	// A dangling reference is not the budget's problem.
	return status != http.StatusNotFound, nil
}

// resolve builds the remote URL and local destination directory for one
// filename. Upload URLs carry the projecttype and langcode; foreign-repo
// URLs address the shared tree directly. The hash path is computed from the
// raw filename bytes, the URL path from the percent-encoded form.
func (d *Downloader) resolve(project string, rt RepoType, filename string) (string, string, error) {
	ptype, lang, err := d.reg.TypeLang(project)
	if err != nil {
		return "", "", err
	}

	hashPath := mediafile.HashPath(filename)
	escaped := url.PathEscape(filename)

	var fileURL string
	if rt == RepoLocal {
		fileURL = d.run.Cfg.URLs.UploadedMediaURL + "/" + ptype + "/" + lang + "/" + hashPath + "/" + escaped
	} else {
		fileURL = d.run.Cfg.URLs.ForeignRepoMediaURL + "/" + hashPath + "/" + escaped
	}

	destDir := filepath.Join(d.run.Cfg.Dirs.MediaDir, ptype, lang, hashPath)

	return fileURL, destDir, nil
}

func (d *Downloader) reportRetrieved(filename, dest string) {
	size := "unknown size"
	if info, err := os.Stat(dest); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}

	d.logger.Info("retrieved media file",
		slog.String("filename", filename),
		slog.String("size", size),
	)

	if d.Progress != nil {
		fmt.Fprintf(d.Progress, "retrieved %s (%s)\n", filename, size)
	}
}

func firstField(line []byte) []byte {
	for i, b := range line {
		if b == ' ' || b == '\t' {
			return line[:i]
		}
	}

	return line
}
