package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// FileConfig configures the file_read executor.
type FileConfig struct {
	// AllowedDirs restricts reads to files under these directories.
	// Empty means no restriction.
	AllowedDirs []string
	MaxReadSize int64
}

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

const fileReadParamsSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

// fileReadExecutor ingests a local file into a run, size-capped and
// optionally confined to an allow-listed directory set. Binary content is
// base64-encoded unless the encoding parameter forces a mode.
type fileReadExecutor struct {
	config FileConfig
}

// NewFileReadExecutor creates the file_read executor.
func NewFileReadExecutor(cfg FileConfig) Executor {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return &fileReadExecutor{config: cfg}
}

func (e *fileReadExecutor) Type() string { return "file_read" }

func (e *fileReadExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "file_read",
		Description: "Read a local file into the run, size-capped",
		InputSchema: json.RawMessage(fileReadParamsSchema),
	}
}

func (e *fileReadExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	rawPath := stringParam(req.Params, "path", "")
	if rawPath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "file_read: missing required param 'path'")
	}
	enc := stringParam(req.Params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "file_read: invalid encoding %q", enc)
	}

	path, err := filepath.Abs(filepath.Clean(rawPath))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "file_read: invalid path %q: %v", rawPath, err)
	}
	if err := e.checkPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, e.config.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "file_read: failed to read file: %v", err).WithCause(err)
	}

	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return schema.CompletedResult(req.Step.ID, map[string]any{
		"path":     path,
		"content":  content,
		"encoding": enc,
		"size":     len(data),
	}), nil
}

// checkPath enforces the directory allow-list. A rejected path is a
// configuration error: retrying cannot make it allowed.
func (e *fileReadExecutor) checkPath(path string) error {
	if len(e.config.AllowedDirs) == 0 {
		return nil
	}
	for _, dir := range e.config.AllowedDirs {
		base, err := filepath.Abs(filepath.Clean(dir))
		if err != nil {
			continue
		}
		if isUnderDir(path, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "file_read: path %q is not under an allowed directory", path)
}

// isUnderDir reports whether path sits under (or equals) base. filepath.Rel
// avoids string-prefix false positives like /tmp vs /tmpevil.
func isUnderDir(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}
