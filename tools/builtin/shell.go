package builtin

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/opal-run/opal/tools"
)

type listDir struct{ tools.Base }

// NewListDir constructs the list_dir built-in.
func NewListDir() tools.Tool { return listDir{} }

func (listDir) Name() string        { return NameListDir }
func (listDir) Description() string { return "List entries in a directory." }
func (listDir) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
	}
}
func (listDir) Meta(args map[string]any) string {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	return fmt.Sprintf("Listing %s", p)
}
func (listDir) Execute(_ context.Context, args map[string]any, tctx tools.Context) tools.Result {
	p := stringArg(args, "path")
	if p == "" {
		p = "."
	}
	entries, err := os.ReadDir(resolvePath(tctx.WorkingDir, p))
	if err != nil {
		return tools.Err(err.Error())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	out := ""
	for i, n := range names {
		if i > 0 {
			out += "\n"
		}
		out += n
	}
	return tools.Ok(out)
}

type bash struct{ tools.Base }

// NewBash constructs the bash built-in. Sandboxing a shelled-out command
// is explicitly a non-goal (spec.md §1), so this runs the command
// directly in the session's working directory; callers are responsible
// for any sandboxing at a layer above opal.
func NewBash() tools.Tool { return bash{} }

func (bash) Name() string        { return NameBash }
func (bash) Description() string { return "Run a shell command and return its combined output." }
func (bash) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"command": map[string]any{"type": "string"}},
		"required":   []any{"command"},
	}
}
func (bash) Meta(args map[string]any) string {
	return fmt.Sprintf("Running: %s", stringArg(args, "command"))
}
func (bash) Execute(ctx context.Context, args map[string]any, tctx tools.Context) tools.Result {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", stringArg(args, "command"))
	cmd.Dir = tctx.WorkingDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tools.Result{Ok: false, Text: string(out), Error: err.Error()}
	}
	return tools.Ok(string(out))
}
