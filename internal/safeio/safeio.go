// Package safeio confines file access to a project root. Every path handed
// to a SafeFS is relative to the root; traversal and symlink escapes fail.
package safeio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the root.
var ErrOutsideRoot = errors.New("safeio: path outside project root")

// SafeFS resolves paths relative to a fixed root.
type SafeFS struct {
	absRoot string // absolute root with symlinks resolved
}

// NewSafeFS locks all future operations to the given root directory.
func NewSafeFS(root string) (*SafeFS, error) {
	if root == "" {
		return nil, errors.New("safeio: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("safeio: root is not a directory")
	}
	return &SafeFS{absRoot: abs}, nil
}

// Root returns the absolute root directory bound to this SafeFS.
func (s *SafeFS) Root() string {
	if s == nil {
		return ""
	}
	return s.absRoot
}

// ReadFile reads a file relative to the root.
func (s *SafeFS) ReadFile(rel string) ([]byte, error) {
	p, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, errors.New("safeio: path is a directory")
	}
	return os.ReadFile(p)
}

// Stat returns metadata for a file or directory under the root.
func (s *SafeFS) Stat(rel string) (fs.FileInfo, error) {
	p, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// Exists reports whether rel names an existing path under the root.
func (s *SafeFS) Exists(rel string) bool {
	_, err := s.Stat(rel)
	return err == nil
}

// Resolve maps an existing relative path to its absolute, symlink-free form.
func (s *SafeFS) Resolve(rel string) (string, error) {
	joined, err := s.join(rel)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, s.absRoot) {
		return "", fmt.Errorf("%w (root=%s, path=%s)", ErrOutsideRoot, s.absRoot, resolved)
	}
	return resolved, nil
}

// ResolveNew maps a relative path that may not exist yet to an absolute
// path. The deepest existing ancestor must resolve inside the root.
func (s *SafeFS) ResolveNew(rel string) (string, error) {
	joined, err := s.join(rel)
	if err != nil {
		return "", err
	}
	probe := joined
	var tail []string
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
		}
		tail = append([]string{filepath.Base(probe)}, tail...)
		probe = parent
	}
	resolved, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return "", err
	}
	if !hasPathPrefix(resolved, s.absRoot) {
		return "", fmt.Errorf("%w (root=%s, path=%s)", ErrOutsideRoot, s.absRoot, resolved)
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}

func (s *SafeFS) join(rel string) (string, error) {
	if s == nil {
		return "", errors.New("safeio: filesystem not configured")
	}
	if rel == "" {
		return "", errors.New("safeio: empty path")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return s.absRoot, nil
	}
	if filepath.IsAbs(clean) || (runtime.GOOS == "windows" && filepath.VolumeName(clean) != "") {
		return "", fmt.Errorf("%w: absolute path %s", ErrOutsideRoot, rel)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("safeio: path traversal not allowed")
	}
	return filepath.Join(s.absRoot, clean), nil
}

func hasPathPrefix(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
		root = strings.ToLower(root)
	}
	if path == root {
		return true
	}
	sep := string(os.PathSeparator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(path+sep, root)
}
