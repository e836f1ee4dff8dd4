package sandbox

import (
	"os"
	"path/filepath"
	"strings"
)

// ProjectType is a coarse classification of a repository, used only to
// pick a default execution image. It is derived from the filesystem on
// every call and never persisted.
type ProjectType string

const (
	ProjectGo      ProjectType = "go"
	ProjectNode    ProjectType = "node"
	ProjectPython  ProjectType = "python"
	ProjectRust    ProjectType = "rust"
	ProjectUnknown ProjectType = "unknown"
)

// manifestChecks are tried in order; the first manifest present in the
// repo root decides the project type outright.
var manifestChecks = []struct {
	file string
	typ  ProjectType
}{
	{"go.mod", ProjectGo},
	{"Cargo.toml", ProjectRust},
	{"package.json", ProjectNode},
	{"pyproject.toml", ProjectPython},
	{"requirements.txt", ProjectPython},
	{"setup.py", ProjectPython},
}

// extensionTypes maps source-file extensions to the project type they
// vote for in the fallback count.
var extensionTypes = map[string]ProjectType{
	".go":  ProjectGo,
	".rs":  ProjectRust,
	".py":  ProjectPython,
	".js":  ProjectNode,
	".jsx": ProjectNode,
	".ts":  ProjectNode,
	".tsx": ProjectNode,
	".mjs": ProjectNode,
	".cjs": ProjectNode,
}

// minExtensionVotes is the smallest winning extension count accepted by
// the fallback; anything lower is noise and resolves to Unknown.
const minExtensionVotes = 3

// Detect classifies the repository at repoDir. A language manifest in
// the repo root decides immediately; otherwise source files directly in
// the root are counted by extension and the strict majority wins. Ties
// and counts below the threshold resolve to Unknown.
func Detect(repoDir string) ProjectType {
	for _, m := range manifestChecks {
		if _, err := os.Stat(filepath.Join(repoDir, m.file)); err == nil {
			return m.typ
		}
	}

	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return ProjectUnknown
	}

	votes := make(map[ProjectType]int)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if typ, ok := extensionTypes[ext]; ok {
			votes[typ]++
		}
	}

	best := ProjectUnknown
	bestCount := 0
	tied := false
	for typ, n := range votes {
		switch {
		case n > bestCount:
			best, bestCount, tied = typ, n, false
		case n == bestCount:
			tied = true
		}
	}
	if tied || bestCount < minExtensionVotes {
		return ProjectUnknown
	}
	return best
}
