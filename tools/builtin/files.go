// Package builtin implements opal's built-in tools: the file-editing
// primitives the compaction engine's cumulative file-op tracker recognizes
// by name (read_file, write_file, edit_file, edit_file_lines), plus
// list_dir and bash. Fuzzy matching for edits is explicitly out of scope
// (spec.md §1); edit_file here does a single literal substring replace.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opal-run/opal/tools"
)

// Names used throughout opal to recognize file-touching tool calls for
// compaction's cumulative file-op tracking (spec.md §4.6 step 5).
const (
	NameReadFile       = "read_file"
	NameWriteFile      = "write_file"
	NameEditFile       = "edit_file"
	NameEditFileLines  = "edit_file_lines"
	NameListDir        = "list_dir"
	NameBash           = "bash"
)

type readFile struct{ tools.Base }

// NewReadFile constructs the read_file built-in.
func NewReadFile() tools.Tool { return readFile{} }

func (readFile) Name() string        { return NameReadFile }
func (readFile) Description() string { return "Read the contents of a file." }
func (readFile) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	}
}
func (readFile) Meta(args map[string]any) string {
	return fmt.Sprintf("Reading %s", stringArg(args, "path"))
}
func (readFile) Execute(_ context.Context, args map[string]any, tctx tools.Context) tools.Result {
	path := resolvePath(tctx.WorkingDir, stringArg(args, "path"))
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Err(err.Error())
	}
	return tools.Ok(string(data))
}

type writeFile struct{ tools.Base }

// NewWriteFile constructs the write_file built-in.
func NewWriteFile() tools.Tool { return writeFile{} }

func (writeFile) Name() string        { return NameWriteFile }
func (writeFile) Description() string { return "Write content to a file, creating or overwriting it." }
func (writeFile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "content"},
	}
}
func (writeFile) Meta(args map[string]any) string {
	return fmt.Sprintf("Writing %s", stringArg(args, "path"))
}
func (writeFile) Execute(_ context.Context, args map[string]any, tctx tools.Context) tools.Result {
	path := resolvePath(tctx.WorkingDir, stringArg(args, "path"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tools.Err(err.Error())
	}
	if err := os.WriteFile(path, []byte(stringArg(args, "content")), 0o644); err != nil {
		return tools.Err(err.Error())
	}
	return tools.Ok(fmt.Sprintf("wrote %d bytes to %s", len(stringArg(args, "content")), path))
}

type editFile struct{ tools.Base }

// NewEditFile constructs the edit_file built-in: a single literal
// find-and-replace. Fuzzy matching is explicitly out of scope per
// spec.md §1.
func NewEditFile() tools.Tool { return editFile{} }

func (editFile) Name() string        { return NameEditFile }
func (editFile) Description() string { return "Replace the first literal occurrence of old_text with new_text in a file." }
func (editFile) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string"},
			"old_text": map[string]any{"type": "string"},
			"new_text": map[string]any{"type": "string"},
		},
		"required": []any{"path", "old_text", "new_text"},
	}
}
func (editFile) Meta(args map[string]any) string {
	return fmt.Sprintf("Editing %s", stringArg(args, "path"))
}
func (editFile) Execute(_ context.Context, args map[string]any, tctx tools.Context) tools.Result {
	path := resolvePath(tctx.WorkingDir, stringArg(args, "path"))
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Err(err.Error())
	}
	old, newText := stringArg(args, "old_text"), stringArg(args, "new_text")
	idx := strings.Index(string(data), old)
	if idx < 0 {
		return tools.Err("old_text not found in file")
	}
	updated := string(data[:idx]) + newText + string(data[idx+len(old):])
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return tools.Err(err.Error())
	}
	return tools.Ok(fmt.Sprintf("edited %s", path))
}

type editFileLines struct{ tools.Base }

// NewEditFileLines constructs the edit_file_lines built-in: replaces a
// 1-indexed, inclusive line range with new content.
func NewEditFileLines() tools.Tool { return editFileLines{} }

func (editFileLines) Name() string        { return NameEditFileLines }
func (editFileLines) Description() string { return "Replace a 1-indexed inclusive line range in a file with new content." }
func (editFileLines) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string"},
			"start_line": map[string]any{"type": "integer", "minimum": 1},
			"end_line":   map[string]any{"type": "integer", "minimum": 1},
			"content":    map[string]any{"type": "string"},
		},
		"required": []any{"path", "start_line", "end_line", "content"},
	}
}
func (editFileLines) Meta(args map[string]any) string {
	return fmt.Sprintf("Editing %s lines", stringArg(args, "path"))
}
func (editFileLines) Execute(_ context.Context, args map[string]any, tctx tools.Context) tools.Result {
	path := resolvePath(tctx.WorkingDir, stringArg(args, "path"))
	data, err := os.ReadFile(path)
	if err != nil {
		return tools.Err(err.Error())
	}
	lines := strings.Split(string(data), "\n")
	start, end := intArg(args, "start_line"), intArg(args, "end_line")
	if start < 1 || end < start || end > len(lines) {
		return tools.Err("line range out of bounds")
	}
	replacement := strings.Split(stringArg(args, "content"), "\n")
	out := append([]string{}, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)
	if err := os.WriteFile(path, []byte(strings.Join(out, "\n")), 0o644); err != nil {
		return tools.Err(err.Error())
	}
	return tools.Ok(fmt.Sprintf("edited %s lines %d-%d", path, start, end))
}

func resolvePath(workingDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workingDir, path)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
