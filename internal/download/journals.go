package download

import (
	"fmt"

	"github.com/apergos/mw-media-sync/internal/gzline"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// journals records download outcomes for one project and repotype. The
// files are opened lazily so that a loop which downloads nothing leaves no
// journal behind, and always in append mode so that a resumed run extends
// the original journals rather than clobbering them.
type journals struct {
	dryRun        bool
	retrievedPath string
	failedPath    string

	retrieved *gzline.Writer
	failed    *gzline.Writer
}

func (d *Downloader) openJournals(project string, rt RepoType, date string) (*journals, error) {
	return &journals{
		dryRun:        d.run.DryRun,
		retrievedPath: d.run.PathOn(date, project, runstate.SuffixRetrieved(string(rt))),
		failedPath:    d.run.PathOn(date, project, runstate.SuffixGetFailed(string(rt))),
	}, nil
}

// success appends a retrieval entry: '<filename>' <url>
func (j *journals) success(filename, fileURL string) error {
	if j.dryRun {
		return nil
	}

	if j.retrieved == nil {
		w, err := gzline.Append(j.retrievedPath)
		if err != nil {
			return err
		}

		j.retrieved = w
	}

	return j.retrieved.WriteString(fmt.Sprintf("'%s' %s", filename, fileURL))
}

// failure appends a failure entry: '<filename>' [<status>] <url>
func (j *journals) failure(filename string, status int, fileURL string) error {
	if j.dryRun {
		return nil
	}

	if j.failed == nil {
		w, err := gzline.Append(j.failedPath)
		if err != nil {
			return err
		}

		j.failed = w
	}

	return j.failed.WriteString(fmt.Sprintf("'%s' [%d] %s", filename, status, fileURL))
}

func (j *journals) close() error {
	var firstErr error

	if j.retrieved != nil {
		firstErr = j.retrieved.Close()
		j.retrieved = nil
	}

	if j.failed != nil {
		if err := j.failed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		j.failed = nil
	}

	return firstErr
}
