package baseline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ResolveRoots expands the protected path globs into concrete roots. Roots
// nested inside another root are dropped so each file is tracked once.
func ResolveRoots(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var roots []string

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			log.Warn().Str("pattern", pattern).Msg("protected path matches nothing")
		}
		for _, match := range matches {
			abs, err := filepath.Abs(match)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("skipping unreadable protected root")
				continue
			}
			if !info.IsDir() && !info.Mode().IsRegular() {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				roots = append(roots, abs)
			}
		}
	}

	sort.Strings(roots)
	var result []string
	for _, root := range roots {
		if Covers(result, root) {
			continue
		}
		result = append(result, root)
	}
	return result, nil
}

// within reports whether path equals root or lies below it.
func within(root, path string) bool {
	if root == path {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Covers reports whether path lies under one of roots.
func Covers(roots []string, path string) bool {
	for _, root := range roots {
		if within(root, path) {
			return true
		}
	}
	return false
}

// WalkFiles calls fn for every regular file below roots. Symlinks are not
// followed. Unreadable directories are logged and skipped.
func WalkFiles(ctx context.Context, roots []string, exclude func(string) bool, fn func(path string, info fs.FileInfo) error) error {
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if exclude != nil && exclude(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			return fn(path, info)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
