// Package registry tracks the projects active on the remote end. It builds
// the active set from the MediaWiki site-matrix API and provides the
// bi-directional mapping between a project's database name and its
// (projecttype, langcode) pair, which addresses the project's media
// directory on disk.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/apergos/mw-media-sync/internal/fetcher"
)

// ErrUnknownProject is returned by TypeLang for a dbname absent from the
// active set.
var ErrUnknownProject = errors.New("registry: project not in active set")

// Project is one active remote wiki. Type is empty for "specials" sites
// until FillProjectTypes runs; the per-site API call it needs is expensive
// and only the archive path requires it.
type Project struct {
	Type string
	Lang string
	URL  string
	Todo bool
}

// Registry holds the active project set for one run. It is built once and
// treated as immutable apart from ExcludeForeignRepo and FillProjectTypes,
// both of which run before any per-project phase starts.
type Registry struct {
	active     map[string]*Project
	byTypeLang map[string]string
	fetch      *fetcher.Fetcher
	apiPath    string
	wait       time.Duration
	logger     *slog.Logger
}

// siteMatrix mirrors the JSON shape: a top-level "sitematrix" object whose
// keys are numeric group indices, "specials", or "count" (a bare number).
type siteMatrix struct {
	SiteMatrix map[string]json.RawMessage `json:"sitematrix"`
}

type siteGroup struct {
	Code  string `json:"code"`
	Sites []site `json:"site"`
}

type site struct {
	URL    string `json:"url"`
	DBName string `json:"dbname"`
	Code   string `json:"code"`

	// Private is present (typically as an empty string) on sites that are
	// not publicly readable; only its presence matters.
	Private json.RawMessage `json:"private"`
}

// Build fetches the site matrix and constructs the registry. Projects named
// in whitelist are marked todo; an empty whitelist means every active
// project is to do. A failed fetch is fatal to the run.
func Build(ctx context.Context, f *fetcher.Fetcher, apiURL, apiPath string, whitelist []string, waitSeconds int, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		active:     make(map[string]*Project),
		byTypeLang: make(map[string]string),
		fetch:      f,
		apiPath:    apiPath,
		wait:       time.Duration(waitSeconds) * time.Second,
		logger:     logger,
	}

	matrixURL := apiURL + "?action=sitematrix&format=json"

	content, err := f.GetContent(ctx, matrixURL)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to retrieve list of active projects: %w", err)
	}

	var matrix siteMatrix
	if err := json.Unmarshal(content, &matrix); err != nil {
		return nil, fmt.Errorf("registry: decoding site matrix: %w", err)
	}

	todo := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		todo[name] = true
	}

	for key, raw := range matrix.SiteMatrix {
		if key == "specials" {
			r.addSpecials(raw, todo)
			continue
		}

		r.addGroup(raw, todo)
	}

	r.rebuildTypeLangMap()

	return r, nil
}

// addGroup processes one language group. The "count" entry is a bare number
// and fails to decode as a group; it is skipped, as is any other
// non-group-shaped entry.
func (r *Registry) addGroup(raw json.RawMessage, todo map[string]bool) {
	var group siteGroup
	if err := json.Unmarshal(raw, &group); err != nil {
		return
	}

	for _, s := range group.Sites {
		if s.Private != nil {
			continue
		}

		r.active[s.DBName] = &Project{
			Type: projectTypeFromURL(s.URL),
			Lang: group.Code,
			URL:  s.URL,
			Todo: todo[s.DBName],
		}
	}
}

// addSpecials processes the flat "specials" group. Projecttype is left
// empty: deriving it needs a per-site filerepoinfo call, deferred to
// FillProjectTypes.
func (r *Registry) addSpecials(raw json.RawMessage, todo map[string]bool) {
	var specials []site
	if err := json.Unmarshal(raw, &specials); err != nil {
		return
	}

	for _, s := range specials {
		if s.Private != nil {
			continue
		}

		r.active[s.DBName] = &Project{
			Lang: s.Code,
			URL:  s.URL,
			Todo: todo[s.DBName],
		}
	}
}

// projectTypeFromURL digs the projecttype out of a site URL:
// https://si.wikipedia.org -> wikipedia (the second-to-last dot label).
func projectTypeFromURL(siteURL string) string {
	fields := strings.Split(siteURL, ".")
	if len(fields) < 2 {
		return ""
	}

	return fields[len(fields)-2]
}

// filerepoInfo mirrors the JSON from action=query&meta=filerepoinfo.
type filerepoInfo struct {
	Query struct {
		Repos []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"repos"`
	} `json:"query"`
}

// FillProjectTypes resolves the projecttype of every active project that
// still lacks one, via each site's filerepoinfo API. Expensive: one request
// plus a politeness wait per site. Only the retired-project archive path
// needs it. Individual failures are logged and leave the type empty.
func (r *Registry) FillProjectTypes(ctx context.Context) error {
	first := true

	for _, dbname := range r.sortedNames() {
		proj := r.active[dbname]
		if proj.Type != "" {
			continue
		}

		if !first && r.wait > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("registry: filling project types: %w", ctx.Err())
			case <-time.After(r.wait):
			}
		}

		first = false

		ptype, err := r.projectTypeFromAPI(ctx, proj.URL)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("registry: filling project types: %w", ctx.Err())
			}

			r.logger.Warn("failed to retrieve file repo info for project",
				slog.String("project", dbname),
				slog.String("error", err.Error()),
			)

			continue
		}

		proj.Type = ptype
	}

	r.rebuildTypeLangMap()

	return nil
}

// projectTypeFromAPI asks a site for its local file repo URL and takes the
// second-to-last path segment, e.g.
// //upload.wikimedia.org/wikipedia/mediawiki -> wikipedia.
func (r *Registry) projectTypeFromAPI(ctx context.Context, siteURL string) (string, error) {
	infoURL := siteURL + r.apiPath + "?action=query&meta=filerepoinfo&friprop=" +
		url.QueryEscape("name|url") + "&format=json"

	content, err := r.fetch.GetContent(ctx, infoURL)
	if err != nil {
		return "", err
	}

	var info filerepoInfo
	if err := json.Unmarshal(content, &info); err != nil {
		return "", fmt.Errorf("decoding filerepoinfo: %w", err)
	}

	for _, repo := range info.Query.Repos {
		if repo.Name != "local" {
			continue
		}

		fields := strings.Split(repo.URL, "/")
		if len(fields) < 2 {
			break
		}

		return fields[len(fields)-2], nil
	}

	return "", fmt.Errorf("no local repo entry for %s", siteURL)
}

// ExcludeForeignRepo drops the foreign repo wiki from the active set so it
// is never mirrored in full. For Wikimedia that would be commonswiki.
func (r *Registry) ExcludeForeignRepo(dbname string) {
	proj, ok := r.active[dbname]
	if !ok {
		return
	}

	delete(r.active, dbname)

	if proj.Type != "" {
		delete(r.byTypeLang, proj.Type+"/"+proj.Lang)
	}
}

// Todos returns the projects marked todo by the whitelist, or every active
// project when none are marked. Sorted for deterministic phase order; the
// caller computes this once per run.
func (r *Registry) Todos() []string {
	var todos []string

	for dbname, proj := range r.active {
		if proj.Todo {
			todos = append(todos, dbname)
		}
	}

	if len(todos) == 0 {
		return r.sortedNames()
	}

	sort.Strings(todos)

	return todos
}

// IsActive reports whether project names a wiki present in the active set.
// A name containing a slash is the synthetic type/lang form for a project
// no longer known on the remote side.
func (r *Registry) IsActive(project string) bool {
	if strings.Contains(project, "/") {
		return false
	}

	_, ok := r.active[project]

	return ok
}

// TypeLang returns the (projecttype, langcode) pair for a project name. A
// name with a slash is interpreted literally as type/lang; otherwise it is
// looked up in the active set.
func (r *Registry) TypeLang(project string) (string, string, error) {
	if ptype, lang, ok := strings.Cut(project, "/"); ok {
		return ptype, lang, nil
	}

	proj, ok := r.active[project]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}

	return proj.Type, proj.Lang, nil
}

// NameFromTypeLang is the reverse lookup. An unknown pair yields the
// "type/lang" sentinel; the embedded slash tells callers the project has
// been retired remotely.
func (r *Registry) NameFromTypeLang(ptype, lang string) string {
	if dbname, ok := r.byTypeLang[ptype+"/"+lang]; ok {
		return dbname
	}

	return ptype + "/" + lang
}

func (r *Registry) rebuildTypeLangMap() {
	r.byTypeLang = make(map[string]string, len(r.active))

	for dbname, proj := range r.active {
		if proj.Type != "" {
			r.byTypeLang[proj.Type+"/"+proj.Lang] = dbname
		}
	}
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.active))
	for dbname := range r.active {
		names = append(names, dbname)
	}

	sort.Strings(names)

	return names
}
