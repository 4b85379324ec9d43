package compaction

import (
	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/tools/builtin"
)

// FileOps is the cumulative read/modified file set carried in a
// compaction summary's metadata, per spec.md §4.6 step 5.
type FileOps struct {
	Read     []string
	Modified []string
}

// extractFileOps scans msgs for read_file/write_file/edit_file/
// edit_file_lines tool calls and returns the set of paths touched,
// classified by whether the tool mutates the file.
func extractFileOps(msgs []agent.Message) FileOps {
	read := map[string]bool{}
	modified := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			path, _ := tc.Arguments["path"].(string)
			if path == "" {
				continue
			}
			switch tc.Name {
			case builtin.NameReadFile:
				read[path] = true
			case builtin.NameWriteFile, builtin.NameEditFile, builtin.NameEditFileLines:
				modified[path] = true
			}
		}
	}
	return FileOps{Read: sortedKeys(read), Modified: sortedKeys(modified)}
}

// Union merges two FileOps sets and applies spec.md §4.6 step 5's dedupe
// rule: "modified wins over read" — a file present in either side's
// Modified set never appears in the result's Read set.
func Union(a, b FileOps) FileOps {
	read := map[string]bool{}
	modified := map[string]bool{}
	for _, p := range a.Read {
		read[p] = true
	}
	for _, p := range b.Read {
		read[p] = true
	}
	for _, p := range a.Modified {
		modified[p] = true
	}
	for _, p := range b.Modified {
		modified[p] = true
	}
	for p := range modified {
		delete(read, p)
	}
	return FileOps{Read: sortedKeys(read), Modified: sortedKeys(modified)}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	// Insertion order from a map isn't stable; sort for deterministic
	// summaries and test assertions.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// fromPrior reconstructs a FileOps from a prior compaction summary
// message's metadata, tolerating a missing or malformed field.
func fromPrior(meta map[string]any) FileOps {
	return FileOps{
		Read:     stringSlice(meta["read_files"]),
		Modified: stringSlice(meta["modified_files"]),
	}
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
