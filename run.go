package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/apergos/mw-media-sync/internal/archive"
	"github.com/apergos/mw-media-sync/internal/config"
	"github.com/apergos/mw-media-sync/internal/download"
	"github.com/apergos/mw-media-sync/internal/fetcher"
	"github.com/apergos/mw-media-sync/internal/inventory"
	"github.com/apergos/mw-media-sync/internal/reconcile"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// runSync is the RunE of the root command: load configuration, assemble the
// engine, and drive a run to completion.
func runSync(cmd *cobra.Command, _ []string) error {
	if flagConfigPath == "" {
		return fmt.Errorf(`required flag "configfile" not set: %w`, config.ErrInvalid)
	}

	cfg, err := config.Load(flagConfigPath, config.Overrides{
		Retries: flagRetries,
		Wait:    flagWait,
	})
	if err != nil {
		return err
	}

	logger := buildLogger()
	slog.SetDefault(logger)

	ctx := shutdownContext(cmd.Context(), logger)

	eng := &engine{cfg: cfg, logger: logger}

	return eng.execute(ctx)
}

// engine holds the shared state of one run. Fields after cfg and logger are
// populated by execute() in order.
type engine struct {
	cfg    *config.Config
	logger *slog.Logger
	run    *runstate.Run
	reg    *registry.Registry
	fetch  *fetcher.Fetcher
}

// execute drives the phases of a run: project registry, optional retired
// project archiving, optional download resumption, local and remote
// inventories, reconciliation, deletion, and finally downloads.
func (e *engine) execute(ctx context.Context) error {
	e.fetch = fetcher.New(e.cfg.Misc.Agent, e.cfg.Limits.HTTPRetries,
		e.cfg.Limits.HTTPWait, flagDryRun, e.logger)

	reg, err := registry.Build(ctx, e.fetch, e.cfg.URLs.APIURL, e.cfg.Misc.APIPath,
		flagProjects, e.cfg.Limits.HTTPWait, e.logger)
	if err != nil {
		return err
	}

	reg.ExcludeForeignRepo(e.cfg.Misc.ForeignRepo)

	e.reg = reg
	e.run = runstate.NewRun(e.cfg, flagDryRun, e.logger)

	e.logger.Info("starting run",
		slog.String("date", e.run.Today),
		slog.Bool("dryrun", flagDryRun),
		slog.Int("projects", len(reg.Todos())),
	)

	if flagArchive {
		if err := e.archiveRetired(ctx); err != nil {
			return err
		}
	}

	if flagContinue {
		return e.resumeDownloads(ctx)
	}

	idx, err := runstate.BuildIndex(e.cfg.Dirs.ListsDir, e.run.Today, false)
	if err != nil {
		return err
	}

	modes := make(map[string]runstate.Mode)
	for _, project := range reg.Todos() {
		modes[project] = e.run.Mode(project, flagFull, idx)
		e.logger.Debug("selected reconciliation mode",
			slog.String("project", project),
			slog.String("mode", modes[project].String()),
		)
	}

	if err := inventory.InitMediaDirs(e.run, reg); err != nil {
		return err
	}

	if err := e.localInventories(modes); err != nil {
		return err
	}

	if err := e.remoteInventories(ctx); err != nil {
		return err
	}

	for _, project := range reg.Todos() {
		if err := e.reconcileProject(project, modes[project], idx); err != nil {
			return err
		}
	}

	if err := e.deletePhase(modes); err != nil {
		return err
	}

	return e.downloadPhase(ctx, modes)
}

// archiveRetired moves aside the media trees of local projects the site
// matrix no longer lists as active. Project types of special wikis are only
// resolvable via their own APIs, so they are filled in first.
func (e *engine) archiveRetired(ctx context.Context) error {
	if err := e.reg.FillProjectTypes(ctx); err != nil {
		return err
	}

	locals, err := inventory.LocalProjects(e.cfg.Dirs.MediaDir, e.reg)
	if err != nil {
		return err
	}

	mover := archive.New(e.run, e.reg)

	for _, project := range locals {
		if e.reg.IsActive(project) {
			continue
		}

		if err := mover.ArchiveRetiredProject(project); err != nil {
			return err
		}
	}

	return nil
}

// resumeDownloads continues the download phase of the most recent run,
// today's included: an interrupted run earlier the same day is resumable.
func (e *engine) resumeDownloads(ctx context.Context) error {
	idx, err := runstate.BuildIndex(e.cfg.Dirs.ListsDir, e.run.Today, true)
	if err != nil {
		return err
	}

	return e.newDownloader().Resume(ctx, idx)
}

// localInventories walks and sorts the local media tree of every full-mode
// project. Incremental projects reconcile purely between remote snapshots
// and skip the walk.
func (e *engine) localInventories(modes map[string]runstate.Mode) error {
	for _, project := range e.reg.Todos() {
		if modes[project] != runstate.ModeFull {
			continue
		}

		if err := inventory.RecordLocal(e.run, e.reg, project); err != nil {
			return err
		}

		if err := inventory.SortLocal(e.run, project, e.reg); err != nil {
			return err
		}
	}

	return nil
}

// remoteInventories downloads the newest remote filelist snapshots for all
// todo projects and normalizes them into sorted artifacts. A project whose
// normalization fails simply lacks the artifact; later phases skip it.
func (e *engine) remoteInventories(ctx context.Context) error {
	rm := inventory.NewRemote(e.run, e.reg, e.fetch)

	date, err := rm.LatestDate(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("using remote media filelists", slog.String("date", date))

	if err := rm.FetchProjectLists(ctx, date, inventory.TemplateUploaded); err != nil {
		return err
	}

	if err := rm.FetchProjectLists(ctx, date, inventory.TemplateForeign); err != nil {
		return err
	}

	rm.Normalize(date, inventory.TemplateUploaded, runstate.SuffixUploadsSorted)
	rm.Normalize(date, inventory.TemplateForeign, runstate.SuffixForeignSorted)

	return nil
}

// reconcileProject derives today's work lists for one project. The keep
// list is built in both modes; full mode then diffs it against the local
// inventory while incremental mode diffs today's snapshots against the most
// recent prior ones.
func (e *engine) reconcileProject(project string, mode runstate.Mode, idx runstate.MostRecentIndex) error {
	if e.run.DryRun {
		e.narrateReconcile(project, mode)
		return nil
	}

	uploads := e.run.ArtifactPath(project, runstate.SuffixUploadsSorted)
	foreign := e.run.ArtifactPath(project, runstate.SuffixForeignSorted)

	if !reconcile.Exists(uploads) || !reconcile.Exists(foreign) {
		e.logger.Warn("remote inventories incomplete, skipping project",
			slog.String("project", project),
		)

		return nil
	}

	keep := e.run.ArtifactPath(project, runstate.SuffixKeep)
	if err := reconcile.MergeKeep(uploads, foreign, keep); err != nil {
		return err
	}

	if mode == runstate.ModeFull {
		return e.reconcileFull(project, keep, uploads, foreign)
	}

	return e.reconcileIncremental(project, keep, uploads, foreign, idx)
}

// narrateReconcile logs what the reconcile phase would produce for one
// project. A dry run fetches nothing, so the artifacts the operators would
// consume do not exist; narration replaces them entirely.
func (e *engine) narrateReconcile(project string, mode runstate.Mode) {
	e.logger.Info("would merge remote inventories into keep list",
		slog.String("project", project),
		slog.String("artifact", e.run.ArtifactPath(project, runstate.SuffixKeep)),
	)

	if mode == runstate.ModeFull {
		for _, suffix := range []string{
			runstate.SuffixUploadedToGet,
			runstate.SuffixForeignToGet,
			runstate.SuffixDelete,
		} {
			e.logger.Info("would diff local inventory against remote lists",
				slog.String("project", project),
				slog.String("artifact", e.run.ArtifactPath(project, suffix)),
			)
		}

		return
	}

	for _, suffix := range []string{
		runstate.SuffixGone,
		runstate.SuffixNewUploads,
		runstate.SuffixNewForeign,
	} {
		e.logger.Info("would diff today's lists against the prior run's",
			slog.String("project", project),
			slog.String("artifact", e.run.ArtifactPath(project, suffix)),
		)
	}
}

func (e *engine) reconcileFull(project, keep, uploads, foreign string) error {
	local := e.run.ArtifactPath(project, runstate.SuffixLocalMediaSorted)
	if !reconcile.Exists(local) {
		e.logger.Warn("local inventory missing, skipping project",
			slog.String("project", project),
		)

		return nil
	}

	steps := []struct {
		out string
		op  func(out string) error
	}{
		{runstate.SuffixUploadedToGet, func(out string) error {
			return reconcile.DiffFetchUploaded(local, uploads, out)
		}},
		{runstate.SuffixForeignToGet, func(out string) error {
			return reconcile.DiffFetchForeign(local, foreign, out)
		}},
		{runstate.SuffixDelete, func(out string) error {
			return reconcile.DiffDelete(keep, local, out)
		}},
	}

	for _, step := range steps {
		if err := step.op(e.run.ArtifactPath(project, step.out)); err != nil {
			return fmt.Errorf("reconciling %s: %w", project, err)
		}
	}

	return nil
}

func (e *engine) reconcileIncremental(project, keep, uploads, foreign string, idx runstate.MostRecentIndex) error {
	// Mode selection guarantees a prior keep list exists.
	priorDate := idx.MostRecent(project, runstate.SuffixKeep)
	priorKeep := e.run.PathOn(priorDate, project, runstate.SuffixKeep)

	gone := e.run.ArtifactPath(project, runstate.SuffixGone)
	if err := reconcile.DiffExtra(priorKeep, keep, gone); err != nil {
		return fmt.Errorf("reconciling %s: %w", project, err)
	}

	steps := []struct {
		prior string
		today string
		out   string
	}{
		{runstate.SuffixUploadsSorted, uploads, runstate.SuffixNewUploads},
		{runstate.SuffixForeignSorted, foreign, runstate.SuffixNewForeign},
	}

	for _, step := range steps {
		date := idx.MostRecent(project, step.prior)
		if date == "" {
			e.logger.Warn("no prior snapshot for incremental diff",
				slog.String("project", project),
				slog.String("artifact", step.prior),
			)

			continue
		}

		err := reconcile.DiffExtra(step.today,
			e.run.PathOn(date, project, step.prior),
			e.run.ArtifactPath(project, step.out))
		if err != nil {
			return fmt.Errorf("reconciling %s: %w", project, err)
		}
	}

	return nil
}

// deletePhase archives files named on today's delete lists: the full
// set-difference list in full mode, the gone-from-remote list in
// incremental mode.
func (e *engine) deletePhase(modes map[string]runstate.Mode) error {
	mover := archive.New(e.run, e.reg)

	for _, project := range e.reg.Todos() {
		suffix := runstate.SuffixDelete
		if modes[project] == runstate.ModeIncremental {
			suffix = runstate.SuffixGone
		}

		listPath := e.run.ArtifactPath(project, suffix)
		if !reconcile.Exists(listPath) {
			e.logger.Debug("no delete list for project",
				slog.String("project", project),
			)

			continue
		}

		if err := mover.DeleteByList(project, listPath); err != nil {
			return err
		}
	}

	return nil
}

func (e *engine) downloadPhase(ctx context.Context, modes map[string]runstate.Mode) error {
	return e.newDownloader().FetchAll(ctx, modes)
}

func (e *engine) newDownloader() *download.Downloader {
	dl := download.New(e.run, e.reg, e.fetch)

	if isatty.IsTerminal(os.Stdout.Fd()) {
		dl.Progress = os.Stdout
	}

	return dl
}
