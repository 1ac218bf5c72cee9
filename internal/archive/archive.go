// Package archive moves media out of the live mirror instead of unlinking
// it: individually deleted files land in a dated-structure "deleted" tree,
// and whole retired projects are moved aside with a timestamped directory
// name. Nothing in this package ever removes file contents.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/mediafile"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// ErrArchiveCollision reports that a retired project's archive target
// already exists. Proceeding would mingle two snapshots, so the caller must
// treat this as fatal for the run.
var ErrArchiveCollision = errors.New("archive: target directory already exists")

// Mover relocates media files into the archive tree.
type Mover struct {
	run    *runstate.Run
	reg    *registry.Registry
	logger *slog.Logger

	// now is stubbed in tests to pin the retired-project timestamp.
	now func() time.Time
}

// New creates a Mover bound to one run.
func New(run *runstate.Run, reg *registry.Registry) *Mover {
	return &Mover{
		run:    run,
		reg:    reg,
		logger: run.Logger,
		now:    time.Now,
	}
}

// DeleteByList archives every file named on a delete or gone list. Records
// carry the filename first; full-inventory records also carry the source
// directory as a third field, while keep-list derived records do not, in
// which case the source is found by hash path under the project's media
// tree. A file already absent is logged and skipped. Existing archived
// copies are overwritten: the newest removal wins.
func (m *Mover) DeleteByList(project, listPath string) error {
	ptype, lang, err := m.reg.TypeLang(project)
	if err != nil {
		return err
	}

	list, err := gzline.Open(listPath)
	if err != nil {
		m.logger.Warn("delete list missing, skipping project",
			slog.String("project", project),
			slog.String("path", listPath),
			slog.String("error", runstate.ErrArtifactMissing.Error()),
		)

		return nil
	}
	defer list.Close()

	for {
		line, err := list.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		// Only path safety matters here: whatever its extension, a file
		// already in the local tree must be archivable or it lingers in
		// the mirror forever.
		name, srcDir := parseRecord(line)
		if !mediafile.PathSafe(name) {
			m.logger.Warn("unsafe filename on delete list, skipping",
				slog.String("project", project),
				slog.String("filename", name),
			)

			continue
		}

		if srcDir == "" {
			srcDir = filepath.Join(m.run.Cfg.Dirs.MediaDir, ptype, lang, mediafile.HashPath(name))
		}

		src := filepath.Join(srcDir, name)
		dst := filepath.Join(m.run.Cfg.Dirs.ArchiveDir, "deleted", ptype, lang,
			mediafile.HashPath(name), name)

		if err := m.archiveFile(project, src, dst); err != nil {
			return err
		}
	}
}

func (m *Mover) archiveFile(project, src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		m.logger.Warn("file on delete list not present locally, skipping",
			slog.String("project", project),
			slog.String("path", src),
		)

		return nil
	}

	if m.run.DryRun {
		m.logger.Info("would archive deleted file",
			slog.String("from", src),
			slog.String("to", dst),
		)

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("archive: creating archive dir: %w", err)
	}

	if err := moveFile(src, dst); err != nil {
		return err
	}

	m.logger.Info("archived deleted file",
		slog.String("from", src),
		slog.String("to", dst),
	)

	return nil
}

// ArchiveRetiredProject moves a retired project's whole media tree into the
// archive under a name stamped with the move time. An empty tree is left in
// place: there is nothing worth archiving.
func (m *Mover) ArchiveRetiredProject(project string) error {
	ptype, lang, err := m.reg.TypeLang(project)
	if err != nil {
		return err
	}

	src := filepath.Join(m.run.Cfg.Dirs.MediaDir, ptype, lang)

	empty, err := treeIsEmpty(src)
	if err != nil {
		return err
	}

	if empty {
		m.logger.Info("retired project has no media, leaving in place",
			slog.String("project", project),
		)

		return nil
	}

	stamp := mediafile.Timestamp(m.now())
	dst := filepath.Join(m.run.Cfg.Dirs.ArchiveDir, ptype, lang+"."+stamp)

	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("%w: %s", ErrArchiveCollision, dst)
	}

	if m.run.DryRun {
		m.logger.Info("would archive retired project",
			slog.String("project", project),
			slog.String("from", src),
			slog.String("to", dst),
		)

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("archive: creating archive dir: %w", err)
	}

	if err := moveTree(src, dst); err != nil {
		return err
	}

	m.logger.Info("archived retired project",
		slog.String("project", project),
		slog.String("to", dst),
	)

	return nil
}

// treeIsEmpty reports whether root contains no regular files. A missing
// root counts as empty.
func treeIsEmpty(root string) (bool, error) {
	empty := true

	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() {
			empty = false
			return filepath.SkipAll
		}

		return nil
	})

	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}

	if err != nil {
		return false, fmt.Errorf("archive: scanning %s: %w", root, err)
	}

	return empty, nil
}

// parseRecord splits an inventory record into its filename and optional
// source directory (the third field).
func parseRecord(line []byte) (name, dir string) {
	fields := []string{}
	start := -1

	for i, b := range line {
		switch {
		case b == ' ' || b == '\t':
			if start >= 0 {
				fields = append(fields, string(line[start:i]))
				start = -1
			}
		case start < 0:
			start = i
		}
	}

	if start >= 0 {
		fields = append(fields, string(line[start:]))
	}

	if len(fields) == 0 {
		return "", ""
	}

	name = fields[0]
	if len(fields) >= 3 {
		dir = fields[2]
	}

	return name, dir
}

// moveFile renames src to dst, copying across filesystems when rename is
// not possible.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("archive: opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("archive: copying to %s: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("archive: closing %s: %w", dst, err)
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("archive: removing %s after copy: %w", src, err)
	}

	return nil
}

// moveTree renames a directory tree, falling back to a file-by-file copy
// across filesystems.
func moveTree(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		return moveFile(path, target)
	})

	if err != nil {
		return fmt.Errorf("archive: moving tree %s: %w", src, err)
	}

	return os.RemoveAll(src)
}
