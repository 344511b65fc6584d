// Package manifest generates the MANIFEST listing of exported data files.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the manifest's name under the output root.
const FileName = "MANIFEST"

// Entry is one exported file, with its path relative to the output root.
type Entry struct {
	Path string
	Size int64
}

// List returns every compressed data file under dois/, relative to root.
func List(root string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(root, "dois", "*", "*.gz"))
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}

	entries := make([]Entry, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", match, err)
		}
		rel, err := filepath.Rel(root, match)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", match, err)
		}
		entries = append(entries, Entry{
			Path: filepath.ToSlash(rel),
			Size: info.Size(),
		})
	}
	return entries, nil
}

// Generate writes the MANIFEST under root, one "<path> <size>" line per
// data file, and returns the listed entries.
func Generate(root string) ([]Entry, error) {
	entries, err := List(root)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(root, FileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	for _, e := range entries {
		if _, err := fmt.Fprintf(f, "%s %d\n", e.Path, e.Size); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	return entries, nil
}
