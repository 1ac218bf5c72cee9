// Package config implements TOML configuration loading and validation for
// mw-media-sync. The file carries four sections — [dirs], [urls], [limits],
// [misc] — and every key is mandatory. Unknown keys are fatal: silently
// ignoring a typo in a config file leads to hard-to-debug behavior.
package config

// Config is the top-level structure parsed from the TOML file.
type Config struct {
	Dirs   Dirs   `toml:"dirs"`
	URLs   URLs   `toml:"urls"`
	Limits Limits `toml:"limits"`
	Misc   Misc   `toml:"misc"`
}

// Dirs holds the local directory roots. All three must already exist; the
// tool creates project and hash subdirectories, never the roots.
type Dirs struct {
	MediaDir   string `toml:"mediadir"`
	ArchiveDir string `toml:"archivedir"`
	ListsDir   string `toml:"listsdir"`
}

// URLs holds the remote endpoints. Each must parse as an absolute URL.
type URLs struct {
	// APIURL is the MediaWiki api.php endpoint used for the site matrix.
	APIURL string `toml:"api_url"`

	// MediaFileListsURL is the listing server holding dated per-project
	// inventory directories.
	MediaFileListsURL string `toml:"media_filelists_url"`

	// UploadedMediaURL is the base for media uploaded to a project itself.
	UploadedMediaURL string `toml:"uploaded_media_url"`

	// ForeignRepoMediaURL is the base for media hosted on the foreign repo.
	ForeignRepoMediaURL string `toml:"foreignrepo_media_url"`
}

// Limits holds retry and budget knobs. All are non-negative integers.
type Limits struct {
	// HTTPWait is the wait in seconds between retries and between
	// downloads.
	HTTPWait int `toml:"http_wait"`

	// HTTPRetries is how many attempts a retrieval gets before giving up.
	HTTPRetries int `toml:"http_retries"`

	// MaxUploadedGets caps project-upload downloads per project per run.
	MaxUploadedGets int `toml:"max_uploaded_gets"`

	// MaxForeignRepoGets caps foreign-repo downloads per project per run.
	MaxForeignRepoGets int `toml:"max_foreignrepo_gets"`
}

// Misc holds the remaining settings. None may be empty.
type Misc struct {
	// ForeignRepo is the dbname of the shared media wiki
	// (commonswiki for Wikimedia). It is never mirrored in full.
	ForeignRepo string `toml:"foreignrepo"`

	// Agent is the User-Agent string attached to every request.
	Agent string `toml:"agent"`

	// APIPath is the api.php path suffix appended to per-site URLs for
	// filerepoinfo queries.
	APIPath string `toml:"api_path"`
}
