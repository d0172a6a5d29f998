package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/agentflow/pkg/agentflow/tool"
)

// maxReadBytes bounds what read_file returns to the model.
const maxReadBytes = 64 << 10

type pathArgs struct {
	Path string `json:"path"`
}

var pathSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"path": {"type": "string", "description": "Path relative to the working directory"}},
	"required": ["path"]
}`)

// builtinTools returns the tools graph nodes may name when run from the
// CLI. File tools are confined to root.
func builtinTools(root string, logger *slog.Logger) *tool.Registry {
	r := tool.NewRegistry(tool.WithLogger(logger))
	r.MustRegister(
		tool.Typed("read_file", "Read a text file.", pathSchema,
			func(_ context.Context, in pathArgs) (string, error) {
				data, err := os.ReadFile(confine(root, in.Path))
				if err != nil {
					return "", err
				}
				if len(data) > maxReadBytes {
					data = append(data[:maxReadBytes], "\n[truncated]"...)
				}
				return string(data), nil
			}),
		tool.Typed("list_files", "List the entries of a directory.", pathSchema,
			func(_ context.Context, in pathArgs) (string, error) {
				entries, err := os.ReadDir(confine(root, in.Path))
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, e := range entries {
					b.WriteString(e.Name())
					if e.IsDir() {
						b.WriteByte('/')
					}
					b.WriteByte('\n')
				}
				return b.String(), nil
			}),
		tool.Tool{
			Name:        "current_time",
			Description: "Return the current time in RFC 3339 format.",
			Fn: func(context.Context, json.RawMessage) (string, error) {
				return time.Now().UTC().Format(time.RFC3339), nil
			},
		},
	)
	return r
}

// confine resolves p under root. Leading ".." elements are dropped, so
// the result never leaves root.
func confine(root, p string) string {
	return filepath.Join(root, filepath.Clean("/"+p))
}
