package runstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MostRecentIndex maps project -> date -> artifact suffixes present in that
// date's working directory. It reflects the exact state of the lists root
// at the moment it was built and is never mutated afterwards.
type MostRecentIndex map[string]map[string][]string

// BuildIndex scans listsDir for 8-digit date directories and records each
// project's artifacts by suffix (filename with the project name stripped).
// The today directory is excluded unless includeToday is set; the continue
// path includes it because an interrupted run earlier the same day is
// resumable.
func BuildIndex(listsDir, today string, includeToday bool) (MostRecentIndex, error) {
	idx := make(MostRecentIndex)

	entries, err := os.ReadDir(listsDir)
	if err != nil {
		return nil, fmt.Errorf("runstate: scanning lists directory: %w", err)
	}

	for _, entry := range entries {
		date := entry.Name()
		if !entry.IsDir() || !isDateStamp(date) {
			continue
		}

		if !includeToday && date == today {
			continue
		}

		projects, err := os.ReadDir(filepath.Join(listsDir, date))
		if err != nil {
			return nil, fmt.Errorf("runstate: scanning %s: %w", date, err)
		}

		for _, proj := range projects {
			if !proj.IsDir() {
				continue
			}

			project := proj.Name()

			files, err := os.ReadDir(filepath.Join(listsDir, date, project))
			if err != nil {
				return nil, fmt.Errorf("runstate: scanning %s/%s: %w", date, project, err)
			}

			suffixes := make([]string, 0, len(files))

			for _, f := range files {
				name := f.Name()
				if strings.HasPrefix(name, project) {
					suffixes = append(suffixes, name[len(project):])
				}
			}

			if idx[project] == nil {
				idx[project] = make(map[string][]string)
			}

			idx[project][date] = suffixes
		}
	}

	return idx, nil
}

// MostRecent returns the latest date on which project produced an artifact
// with the given suffix, or "" when no run ever did.
func (idx MostRecentIndex) MostRecent(project, suffix string) string {
	dates, ok := idx[project]
	if !ok {
		return ""
	}

	sorted := make([]string, 0, len(dates))
	for date := range dates {
		sorted = append(sorted, date)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(sorted)))

	for _, date := range sorted {
		for _, s := range dates[date] {
			if s == suffix {
				return date
			}
		}
	}

	return ""
}

// isDateStamp reports whether s is an 8-digit YYYYMMDD directory name.
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
