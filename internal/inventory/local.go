// Package inventory produces the per-project media inventories the
// reconciler consumes: the local side by walking the media tree, the remote
// side by downloading and normalizing the listing server's per-project
// files.
package inventory

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/apergos/mw-media-sync/internal/extsort"
	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/mediafile"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// InitMediaDirs pre-creates the two-level hash directories under each todo
// project's media tree so downloads never race directory creation.
func InitMediaDirs(run *runstate.Run, reg *registry.Registry) error {
	for _, project := range reg.Todos() {
		ptype, lang, err := reg.TypeLang(project)
		if err != nil {
			return err
		}

		if ptype == "" {
			// Specials without a resolved projecttype have no addressable
			// media tree yet.
			continue
		}

		base := filepath.Join(run.Cfg.Dirs.MediaDir, ptype, lang)

		for _, hashdir := range mediafile.HashDirs() {
			dir := filepath.Join(base, hashdir)

			if run.DryRun {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					run.Logger.Info("dry run: would make directory", slog.String("dir", dir))
				}

				continue
			}

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("inventory: creating hash dirs for %s: %w", project, err)
			}
		}
	}

	return nil
}

// LocalProjects lists the projects present in the local media tree, named
// by registry reverse lookup. Retired projects come back in the synthetic
// type/lang form.
func LocalProjects(mediaDir string, reg *registry.Registry) ([]string, error) {
	var projects []string

	types, err := os.ReadDir(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("inventory: scanning media root: %w", err)
	}

	for _, ptype := range types {
		if !ptype.IsDir() {
			continue
		}

		langs, err := os.ReadDir(filepath.Join(mediaDir, ptype.Name()))
		if err != nil {
			return nil, fmt.Errorf("inventory: scanning %s: %w", ptype.Name(), err)
		}

		for _, lang := range langs {
			if !lang.IsDir() {
				continue
			}

			projects = append(projects, reg.NameFromTypeLang(ptype.Name(), lang.Name()))
		}
	}

	sort.Strings(projects)

	return projects, nil
}

// RecordLocal walks a project's media tree and writes one line per regular
// file to today's -local-media.gz: filename, 14-digit UTC mtime, directory.
// Retired (slash-named) projects are skipped.
func RecordLocal(run *runstate.Run, reg *registry.Registry, project string) error {
	if !reg.IsActive(project) {
		run.Logger.Debug("skipping local media list for inactive project",
			slog.String("project", project))
		return nil
	}

	ptype, lang, err := reg.TypeLang(project)
	if err != nil {
		return err
	}

	outPath := run.ArtifactPath(project, runstate.SuffixLocalMedia)

	if run.DryRun {
		run.Logger.Info("dry run: would record local media",
			slog.String("project", project),
			slog.String("path", outPath),
		)

		return nil
	}

	if err := run.EnsureWorkDir(project); err != nil {
		return err
	}

	w, err := gzline.Create(outPath)
	if err != nil {
		return err
	}

	base := filepath.Join(run.Cfg.Dirs.MediaDir, ptype, lang)

	walkErr := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				// Nothing synced yet for this project.
				return filepath.SkipAll
			}

			return err
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		line := fmt.Sprintf("%s %s %s", d.Name(), mediafile.Timestamp(info.ModTime()), filepath.Dir(path))

		return w.WriteString(line)
	})
	if walkErr != nil {
		w.Close()
		return fmt.Errorf("inventory: walking media tree for %s: %w", project, walkErr)
	}

	return w.Close()
}

// SortLocal produces -local-media-sorted.gz from -local-media.gz via
// external byte-order sort.
func SortLocal(run *runstate.Run, project string, reg *registry.Registry) error {
	if !reg.IsActive(project) {
		return nil
	}

	inPath := run.ArtifactPath(project, runstate.SuffixLocalMedia)
	outPath := run.ArtifactPath(project, runstate.SuffixLocalMediaSorted)

	if run.DryRun {
		run.Logger.Info("dry run: would sort local media list",
			slog.String("in", inPath),
			slog.String("out", outPath),
		)

		return nil
	}

	if err := extsort.SortFile(inPath, outPath, extsort.Options{}); err != nil {
		return fmt.Errorf("inventory: sorting local media for %s: %w", project, err)
	}

	return nil
}
