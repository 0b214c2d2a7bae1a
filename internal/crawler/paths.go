package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathOutsideOutput is returned when a crawled link would resolve to a
// file outside the output directory.
var ErrPathOutsideOutput = errors.New("crawler: path resolves outside output directory")

// ErrReservedPath is returned when a crawled link would overwrite a file the
// crawler itself owns, such as the cookie file.
var ErrReservedPath = errors.New("crawler: path is reserved")

// outputPath maps a file URL to a sandboxed path under outputDir, preserving
// the URL's directory structure. reserved lists relative paths that must never
// be written, e.g. the cookie file.
func outputPath(outputDir string, fileURL *url.URL, reserved []string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+fileURL.Path), "/")
	if rel == "" || rel == "." {
		rel = "index"
	}

	for _, r := range reserved {
		if rel == r {
			return "", fmt.Errorf("%w: %s", ErrReservedPath, rel)
		}
	}

	abs, err := filepath.Abs(filepath.Join(outputDir, filepath.FromSlash(rel)))
	if err != nil {
		return "", fmt.Errorf("crawler: resolve %s: %w", rel, err)
	}
	root, err := filepath.Abs(outputDir)
	if err != nil {
		return "", fmt.Errorf("crawler: resolve output dir: %w", err)
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideOutput, rel)
	}
	return abs, nil
}
