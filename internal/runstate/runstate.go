// Package runstate models the per-run working state: the immutable run
// context (today's date stamp, configuration, dry-run flag), the dated
// per-project working directories under the lists root, and the
// most-recent-file index over prior runs' artifacts.
package runstate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apergos/mw-media-sync/internal/config"
)

// Artifact name suffixes. An artifact's filename is the project name
// followed by one of these; the index stores and queries bare suffixes.
const (
	SuffixLocalMedia       = "-local-media.gz"
	SuffixLocalMediaSorted = "-local-media-sorted.gz"
	SuffixUploadsSorted    = "-uploads-sorted.gz"
	SuffixForeignSorted    = "-foreignrepo-sorted.gz"
	SuffixKeep             = "-all-media-keep.gz"
	SuffixDelete           = "-all-media-delete.gz"
	SuffixGone             = "-all-media-gone.gz"
	SuffixNewUploads       = "-new-media-projectuploads.gz"
	SuffixNewForeign       = "-new-media-foreignrepouploads.gz"
	SuffixUploadedToGet    = "-uploaded-toget.gz"
	SuffixForeignToGet     = "-foreignrepo-toget.gz"
)

// Journal suffixes, parameterised by repotype ("local" or "foreignrepo").
func SuffixRetrieved(repotype string) string { return "_" + repotype + "_retrieved.gz" }
func SuffixGetFailed(repotype string) string { return "_" + repotype + "_get_failed.gz" }

// ErrArtifactMissing reports that a dependent artifact was absent when a
// later phase tried to read it. The affected project is skipped; the run
// proceeds.
var ErrArtifactMissing = errors.New("runstate: artifact missing")

// Mode is the per-project reconciliation mode.
type Mode int

const (
	// ModeFull reconciles from scratch against complete inventories.
	ModeFull Mode = iota

	// ModeIncremental reconciles today's artifacts against the most
	// recent prior run's.
	ModeIncremental
)

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}

	return "incremental"
}

// Run is the immutable per-run context. Today is computed once at run start
// and never recomputed by components; the same goes for the dry-run flag
// and configuration.
type Run struct {
	Today  string
	Cfg    *config.Config
	DryRun bool
	Logger *slog.Logger
}

// NewRun stamps a run with the current UTC date.
func NewRun(cfg *config.Config, dryRun bool, logger *slog.Logger) *Run {
	if logger == nil {
		logger = slog.Default()
	}

	return &Run{
		Today:  time.Now().UTC().Format("20060102"),
		Cfg:    cfg,
		DryRun: dryRun,
		Logger: logger,
	}
}

// WorkDir is today's working directory for a project.
func (r *Run) WorkDir(project string) string {
	return filepath.Join(r.Cfg.Dirs.ListsDir, r.Today, project)
}

// EnsureWorkDir creates today's working directory for a project. Dry runs
// still create it: the narration of later phases needs somewhere to point.
func (r *Run) EnsureWorkDir(project string) error {
	if err := os.MkdirAll(r.WorkDir(project), 0o755); err != nil {
		return fmt.Errorf("runstate: creating working directory for %s: %w", project, err)
	}

	return nil
}

// ArtifactPath is the path of today's artifact with the given suffix.
func (r *Run) ArtifactPath(project, suffix string) string {
	return filepath.Join(r.WorkDir(project), project+suffix)
}

// PathOn is the path of an artifact in the working directory of another
// date's run.
func (r *Run) PathOn(date, project, suffix string) string {
	return filepath.Join(r.Cfg.Dirs.ListsDir, date, project, project+suffix)
}

// HaveArtifact reports whether today's artifact with the given suffix
// exists.
func (r *Run) HaveArtifact(project, suffix string) bool {
	_, err := os.Stat(r.ArtifactPath(project, suffix))
	return err == nil
}

// Mode selects full or incremental reconciliation for a project: full when
// forced by the operator or when the index holds no prior keep-list for the
// project, incremental otherwise.
func (r *Run) Mode(project string, forceFull bool, idx MostRecentIndex) Mode {
	if forceFull {
		return ModeFull
	}

	if idx.MostRecent(project, SuffixKeep) == "" {
		return ModeFull
	}

	return ModeIncremental
}
