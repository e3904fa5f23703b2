// Package analysis derives the inputs the engine cannot get from config:
// which parts of the repository a task description touches, and a short
// root-cause summary of a failed verification run.
package analysis

import (
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/laneway/internal/lane"
)

var (
	// "## Files to Modify" sections list paths as `- \`path\`` bullets.
	filesSectionRe = regexp.MustCompile(`(?sm)^##\s*Files\s+to\s+Modify\s*$(.*?)(?:^##|^---|\z)`)
	bulletPathRe   = regexp.MustCompile("(?m)^\\s*[-*]\\s*`([^`]+)`")
	backtickRe     = regexp.MustCompile("`([^`\\s]+)`")
	// Bare tokens that look like paths: at least one slash or a file extension.
	pathTokenRe = regexp.MustCompile(`(?:^|[\s(\[,;:"'])((?:\.?/)?[A-Za-z0-9_.\-]+(?:/[A-Za-z0-9_.\-*]+)+/?|[A-Za-z0-9_\-]+\.[A-Za-z0-9]{1,6})`)
)

// Impact returns the repository directories a task touches. Explicit hints
// are always included. Paths mentioned in the description count only when
// they exist under root in fs. Files are reported as their directory,
// except top-level files which have none.
func Impact(fs afero.Fs, root, description string, hints []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, h := range hints {
		add(lane.Normalize(h))
	}

	for _, candidate := range candidates(description) {
		p := lane.Normalize(strings.TrimRight(candidate, ".,;:"))
		if p == "" || strings.Contains(p, "..") {
			continue
		}
		info, err := fs.Stat(path.Join(root, p))
		if err != nil {
			continue
		}
		if info.IsDir() {
			add(p)
			continue
		}
		if dir := path.Dir(p); dir != "." {
			add(dir)
		} else {
			add(p)
		}
	}

	slices.Sort(out)
	return out
}

// candidates extracts path-like tokens, files-section bullets first.
func candidates(description string) []string {
	var out []string
	if m := filesSectionRe.FindStringSubmatch(description); len(m) == 2 {
		for _, b := range bulletPathRe.FindAllStringSubmatch(m[1], -1) {
			out = append(out, strings.TrimSpace(b[1]))
		}
	}
	for _, m := range backtickRe.FindAllStringSubmatch(description, -1) {
		out = append(out, m[1])
	}
	for _, m := range pathTokenRe.FindAllStringSubmatch(description, -1) {
		out = append(out, m[1])
	}
	return out
}
