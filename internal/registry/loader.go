// Package registry finds GGUF weights files for the llama executor.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"engined/pkg/types"
)

// modelNotFoundError is returned by Resolve when no file matches.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// Scan lists *.gguf files in dir, sorted by ID. ID is the file name, Path
// the absolute file path and SizeBytes the file size.
func Scan(dir string) ([]types.Model, error) {
	base, err := ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		models = append(models, types.Model{
			ID:        e.Name(),
			Path:      filepath.Join(abs, e.Name()),
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Resolve finds model either as a path to an existing file or as an ID in
// dir. The ".gguf" extension may be omitted from the ID.
func Resolve(dir, model string) (types.Model, error) {
	if model == "" {
		return types.Model{}, modelNotFoundError{id: model}
	}
	if p, err := ExpandHome(model); err == nil {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(p)
			if err != nil {
				return types.Model{}, fmt.Errorf("abs path: %w", err)
			}
			return types.Model{ID: filepath.Base(abs), Path: abs, SizeBytes: info.Size()}, nil
		}
	}
	if dir == "" {
		return types.Model{}, modelNotFoundError{id: model}
	}
	models, err := Scan(dir)
	if err != nil {
		return types.Model{}, err
	}
	for _, m := range models {
		if m.ID == model || strings.TrimSuffix(m.ID, filepath.Ext(m.ID)) == model {
			return m, nil
		}
	}
	return types.Model{}, modelNotFoundError{id: model}
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
