package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/apergos/mw-media-sync/internal/extsort"
	"github.com/apergos/mw-media-sync/internal/fetcher"
	"github.com/apergos/mw-media-sync/internal/registry"
	"github.com/apergos/mw-media-sync/internal/runstate"
)

// ErrNoRemoteLists is returned by LatestDate when the listing index holds
// no dated directories at all.
var ErrNoRemoteLists = errors.New("inventory: no dated media file lists on remote server")

// Templates for the per-project raw inventory files on the listing server.
// {project} and {date} are substituted.
const (
	TemplateUploaded = "{project}-{date}-local-wikiqueries.gz"
	TemplateForeign  = "{project}-{date}-remote-wikiqueries.gz"
)

// Remote drives inventory acquisition from the listing server.
type Remote struct {
	run    *runstate.Run
	reg    *registry.Registry
	fetch  *fetcher.Fetcher
	logger *slog.Logger
}

// NewRemote creates a Remote bound to one run.
func NewRemote(run *runstate.Run, reg *registry.Registry, f *fetcher.Fetcher) *Remote {
	return &Remote{run: run, reg: reg, fetch: f, logger: run.Logger}
}

// LatestDate fetches the HTML directory listing at the configured base URL
// and returns the greatest YYYYMMDD anchor target. String order equals
// chronological order for this shape. Returns ErrNoRemoteLists when the
// page holds no dated anchors.
func (rm *Remote) LatestDate(ctx context.Context) (string, error) {
	baseURL := rm.run.Cfg.URLs.MediaFileListsURL

	content, err := rm.fetch.GetContent(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("inventory: failed to retrieve list of dates of uploaded media: %w", err)
	}

	dates := datedAnchors(content)
	if len(dates) == 0 {
		return "", ErrNoRemoteLists
	}

	sort.Strings(dates)
	latest := dates[len(dates)-1]

	rm.logger.Debug("latest remote media file lists",
		slog.String("baseurl", baseURL),
		slog.String("date", latest),
	)

	return latest, nil
}

// datedAnchors walks the parsed HTML and collects hrefs of the shape
// "YYYYMMDD/" with the trailing slash stripped.
func datedAnchors(content []byte) []string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil
	}

	var dates []string

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}

				target := strings.TrimSuffix(attr.Val, "/")
				if len(target) == len(attr.Val) {
					continue
				}

				if isDateStamp(target) {
					dates = append(dates, target)
				}
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return dates
}

func isDateStamp(s string) bool {
	if len(s) != 8 {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

// FetchProjectLists downloads the raw inventory named by template for every
// todo project into its working directory. A failed retrieval is fatal for
// the run: without the inventory there is nothing to reconcile.
func (rm *Remote) FetchProjectLists(ctx context.Context, date, template string) error {
	baseURL := rm.run.Cfg.URLs.MediaFileListsURL + "/" + date

	for _, project := range rm.reg.Todos() {
		filename := expandTemplate(template, project, date)
		url := baseURL + "/" + filename

		if err := rm.run.EnsureWorkDir(project); err != nil {
			return err
		}

		dest := filepath.Join(rm.run.WorkDir(project), filename)

		if _, err := rm.fetch.GetFile(ctx, url, dest, false); err != nil {
			return fmt.Errorf("inventory: failed to retrieve media list for project %s: %w", project, err)
		}
	}

	return nil
}

func expandTemplate(template, project, date string) string {
	out := strings.ReplaceAll(template, "{project}", project)
	return strings.ReplaceAll(out, "{date}", date)
}

// Normalize turns each todo project's raw inventory (matched by template)
// into the sorted artifact at outSuffix: drop the SQL column header line,
// byte-order sort on the leading field, dedupe. Operates as a stream; raw
// inventories may not fit in memory. A project with no raw file, or whose
// normalization fails, is reported and skipped — its broken artifact is
// absent, so later phases skip the project too.
func (rm *Remote) Normalize(date, template, outSuffix string) {
	for _, project := range rm.reg.Todos() {
		inPath := filepath.Join(rm.run.WorkDir(project), expandTemplate(template, project, date))
		outPath := rm.run.ArtifactPath(project, outSuffix)

		if rm.run.DryRun {
			rm.logger.Info("dry run: would filter and sort media list",
				slog.String("in", inPath),
				slog.String("out", outPath),
			)

			continue
		}

		err := extsort.SortFile(inPath, outPath, extsort.Options{
			DropFirstLine: true,
			Unique:        true,
		})
		if err != nil {
			// Leave no partial artifact behind: consumers test for
			// existence to decide whether to skip the project.
			os.Remove(outPath)

			rm.logger.Warn("no usable media list for project",
				slog.String("project", project),
				slog.String("path", inPath),
				slog.String("error", err.Error()),
			)
		}
	}
}
