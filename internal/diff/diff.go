// Package diff computes line-level diffs for visualizing file edits made by
// agent tool calls. It is an exact LCS diff, not a heuristic one — a wrong
// diff in the edit view is worse than a slow one at these sizes.
package diff

// Kind classifies one diff operation.
type Kind string

const (
	Unchanged Kind = "unchanged"
	Added     Kind = "added"
	Removed   Kind = "removed"
	// Modified is a display-level coalescing of a removed line immediately
	// followed by an added line. Semantically it is still two operations.
	Modified Kind = "modified"
)

// Op is one step of the diff walk. Unchanged and Removed populate Old,
// Added populates New, Modified populates both.
type Op struct {
	Kind Kind
	Old  string
	New  string
}

// Lines computes the classic O(n·m) dynamic-programming LCS alignment of two
// line sequences and walks it into unchanged/added/removed operations.
func Lines(oldLines, newLines []string) []Op {
	n, m := len(oldLines), len(newLines)

	// lcs[i][j] = LCS length of oldLines[i:] vs newLines[j:]
	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	ops := make([]Op, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			ops = append(ops, Op{Kind: Unchanged, Old: oldLines[i], New: newLines[j]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, Op{Kind: Removed, Old: oldLines[i]})
			i++
		default:
			ops = append(ops, Op{Kind: Added, New: newLines[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, Op{Kind: Removed, Old: oldLines[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, Op{Kind: Added, New: newLines[j]})
	}
	return ops
}

// Coalesce pairs each run of removed lines with the run of added lines that
// immediately follows it, emitting Modified ops for the paired prefix. The
// unpaired remainder of the longer run keeps its original kind.
func Coalesce(ops []Op) []Op {
	out := make([]Op, 0, len(ops))
	for i := 0; i < len(ops); {
		if ops[i].Kind != Removed {
			out = append(out, ops[i])
			i++
			continue
		}

		var removed, added []Op
		for i < len(ops) && ops[i].Kind == Removed {
			removed = append(removed, ops[i])
			i++
		}
		for i < len(ops) && ops[i].Kind == Added {
			added = append(added, ops[i])
			i++
		}

		k := 0
		for ; k < len(removed) && k < len(added); k++ {
			out = append(out, Op{Kind: Modified, Old: removed[k].Old, New: added[k].New})
		}
		out = append(out, removed[k:]...)
		if k < len(added) {
			out = append(out, added[k:]...)
		}
	}
	return out
}
