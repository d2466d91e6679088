// Package codectx renders structure-aware excerpts of source files for
// inclusion in a model prompt: a requested line is widened to its
// enclosing function when that fits a budget, and repeated
// requests against the same file are merged into one set of line ranges
// before being rendered with gap markers.
package codectx

// CodeChunk is one unit of requested code context (spec.md §3.3). Two
// chunks with the same FilePath, ClassName and Function are the same
// logical unit and are merged at render time; Lines is always a sorted,
// de-duplicated set of 1-based line numbers.
type CodeChunk struct {
	FilePath      string `msgpack:"file_path"`
	ClassName     string `msgpack:"class_name"`
	Function      string `msgpack:"function"`
	WholeFunction bool   `msgpack:"whole_function"`
	Lines         []int  `msgpack:"lines"`
	EOF           bool   `msgpack:"eof"`
}

func sortedUniqueInts(xs []int) []int {
	seen := make(map[int]bool, len(xs))
	out := make([]int, 0, len(xs))
	for _, x := range xs {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func lineRange(start, end int) []int {
	if start > end {
		return nil
	}
	out := make([]int, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}
