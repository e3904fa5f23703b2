package integration

import (
	"bytes"

	"github.com/Iron-Ham/laneway/internal/worktree"
)

// Rule names the heuristic that settled a conflicting file.
type Rule string

const (
	RuleIdentical Rule = "identical"
	RuleOneSided  Rule = "one-sided"
	RuleSuperset  Rule = "superset"
	RuleUnion     Rule = "union"
)

// Resolution is the outcome for one conflicting file.
type Resolution struct {
	File    string
	Rule    Rule
	Content []byte
	// Delete removes the file instead of writing Content.
	Delete bool
}

// UnionMerger performs a line-union three-way merge.
type UnionMerger func(ours, base, theirs []byte) ([]byte, error)

// Decide applies the auto-resolution heuristics to the index stages of one
// file. It reports false whenever no safe choice exists; callers must then
// escalate. The heuristics, in order:
//
//   - both sides are identical
//   - one side is unchanged from base, so the other side wins
//   - one side contains every line of the other in order; the more complete
//     side wins (compatible duplicate declarations)
//   - both sides only add lines to base; their additions are unioned
func Decide(file string, st worktree.Stages, union UnionMerger) (Resolution, bool) {
	ours, base, theirs := st.Ours, st.Base, st.Theirs

	if same(ours, theirs) {
		if ours == nil {
			return Resolution{File: file, Rule: RuleIdentical, Delete: true}, true
		}
		return Resolution{File: file, Rule: RuleIdentical, Content: ours}, true
	}

	if base != nil {
		if same(ours, base) {
			return pick(file, RuleOneSided, theirs), true
		}
		if same(theirs, base) {
			return pick(file, RuleOneSided, ours), true
		}
	}

	// The remaining rules compare text. Modify/delete stays with a human.
	if ours == nil || theirs == nil || isBinary(ours) || isBinary(theirs) || (base != nil && isBinary(base)) {
		return Resolution{}, false
	}

	ourLines, theirLines, baseLines := splitLines(ours), splitLines(theirs), splitLines(base)
	// The smaller side must not have deleted anything from base, or
	// preferring the larger side would undo that deletion.
	oursAdds, theirsAdds := isSubsequence(baseLines, ourLines), isSubsequence(baseLines, theirLines)
	if theirsAdds && isSubsequence(theirLines, ourLines) {
		return Resolution{File: file, Rule: RuleSuperset, Content: ours}, true
	}
	if oursAdds && isSubsequence(ourLines, theirLines) {
		return Resolution{File: file, Rule: RuleSuperset, Content: theirs}, true
	}

	if union != nil && oursAdds && theirsAdds {
		merged, err := union(ours, base, theirs)
		if err != nil {
			return Resolution{}, false
		}
		// Every line of both sides must survive.
		mergedLines := splitLines(merged)
		if !containsAll(mergedLines, ourLines) || !containsAll(mergedLines, theirLines) {
			return Resolution{}, false
		}
		return Resolution{File: file, Rule: RuleUnion, Content: merged}, true
	}
	return Resolution{}, false
}

func pick(file string, rule Rule, content []byte) Resolution {
	if content == nil {
		return Resolution{File: file, Rule: rule, Delete: true}
	}
	return Resolution{File: file, Rule: rule, Content: content}
}

// same treats a missing side as different from any content, empty included.
func same(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

func isBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	parts := bytes.Split(data, []byte("\n"))
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(bytes.TrimSuffix(p, []byte("\r")))
	}
	return out
}

// isSubsequence reports whether every line of sub appears in full, in order.
func isSubsequence(sub, full []string) bool {
	i := 0
	for _, l := range full {
		if i < len(sub) && sub[i] == l {
			i++
		}
	}
	return i == len(sub)
}

// containsAll reports whether every line of want occurs in have, counting
// repeats.
func containsAll(have, want []string) bool {
	counts := make(map[string]int, len(have))
	for _, l := range have {
		counts[l]++
	}
	for _, l := range want {
		if counts[l] == 0 {
			return false
		}
		counts[l]--
	}
	return true
}

// hasConflictMarkers reports whether data still carries merge markers.
func hasConflictMarkers(data []byte) bool {
	for _, l := range splitLines(data) {
		if len(l) >= 8 && (l[:8] == "<<<<<<< " || l[:8] == ">>>>>>> ") {
			return true
		}
		if l == "<<<<<<<" || l == ">>>>>>>" {
			return true
		}
	}
	return false
}
