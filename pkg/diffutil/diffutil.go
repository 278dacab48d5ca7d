// Package diffutil computes line-level text diffs between two blobs for the
// compare endpoint.
package diffutil

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Tags of a single Change.
const (
	TagDelete = "delete"
	TagInsert = "insert"
	TagEqual  = "equal"
)

// Change is one diffed line. Indices are zero-based line numbers into the
// respective side, -1 when the line does not exist on that side.
type Change struct {
	Tag      string `json:"tag"`
	Content  string `json:"content"`
	OldIndex int    `json:"old_index"`
	NewIndex int    `json:"new_index"`
}

// Result wraps the ordered change list.
type Result struct {
	Type    string   `json:"type"`
	Changes []Change `json:"changes"`
}

// splitLines splits keeping the trailing newline on each line. Unlike
// difflib.SplitLines it appends no synthetic final line, so two inputs that
// both end in a newline do not report a shared blank line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// TextDiff diffs a against b by line. Concatenating the equal-tagged contents
// reconstructs the longest common subsequence of the two inputs.
func TextDiff(a, b string) Result {
	oldLines := splitLines(a)
	newLines := splitLines(b)
	matcher := difflib.NewMatcher(oldLines, newLines)

	changes := []Change{}
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			for k := 0; k < op.I2-op.I1; k++ {
				changes = append(changes, Change{Tag: TagEqual, Content: oldLines[op.I1+k], OldIndex: op.I1 + k, NewIndex: op.J1 + k})
			}
		case 'd':
			for i := op.I1; i < op.I2; i++ {
				changes = append(changes, Change{Tag: TagDelete, Content: oldLines[i], OldIndex: i, NewIndex: -1})
			}
		case 'i':
			for j := op.J1; j < op.J2; j++ {
				changes = append(changes, Change{Tag: TagInsert, Content: newLines[j], OldIndex: -1, NewIndex: j})
			}
		case 'r':
			for i := op.I1; i < op.I2; i++ {
				changes = append(changes, Change{Tag: TagDelete, Content: oldLines[i], OldIndex: i, NewIndex: -1})
			}
			for j := op.J1; j < op.J2; j++ {
				changes = append(changes, Change{Tag: TagInsert, Content: newLines[j], OldIndex: -1, NewIndex: j})
			}
		}
	}
	return Result{Type: "text", Changes: changes}
}
