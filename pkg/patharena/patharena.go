// Package patharena implements safe path operations under a fixed
// storage root, grounded on the containment checks scattered through the
// teacher's pkg/store/content/fs (filepath.Join + verification) and
// pkg/store/metadata/memory (buildFullPath), consolidated here as the
// spec's own first-class component.
package patharena

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/vaultfs/vaultfs/pkg/storeerr"
)

const maxSegmentBytes = 255

// Arena binds path operations to one fixed, absolute storage root.
type Arena struct {
	root string
}

// New builds an Arena rooted at the given absolute filesystem path.
func New(root string) *Arena {
	return &Arena{root: filepath.Clean(root)}
}

// Root returns the arena's storage root.
func (a *Arena) Root() string { return a.root }

// Join validates rel (a POSIX-style, forward-slash, root-relative path)
// and returns the corresponding absolute physical path under root.
//
// rel is rejected if any segment is "..", is absolute, contains a NUL
// byte, or exceeds 255 bytes.
func (a *Arena) Join(rel string) (string, error) {
	if err := validateRelativePath(rel); err != nil {
		return "", err
	}

	cleaned := path.Clean("/" + rel)
	physical := filepath.Join(a.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	return physical, nil
}

// Contains verifies that absPath is a descendant of root (or equal to it),
// rejecting ".." segments that survived naive joining. When absPath exists
// on disk, symlinks in both paths are resolved first, so a link pointing
// out of root is rejected; a path that does not exist yet is checked
// lexically.
func (a *Arena) Contains(absPath string) bool {
	rootClean := filepath.Clean(a.root)
	pathClean := filepath.Clean(absPath)
	if real, err := filepath.EvalSymlinks(pathClean); err == nil {
		pathClean = real
		if realRoot, err := filepath.EvalSymlinks(rootClean); err == nil {
			rootClean = realRoot
		}
	}

	if pathClean == rootClean {
		return true
	}
	return strings.HasPrefix(pathClean, rootClean+string(filepath.Separator))
}

// Relative returns the root-relative POSIX path for an absolute physical
// path previously produced by Join.
func (a *Arena) Relative(absPath string) (string, error) {
	rel, err := filepath.Rel(a.root, absPath)
	if err != nil {
		return "", storeerr.WithPath(storeerr.InvariantViolation, "path is not under the storage root", absPath)
	}
	if strings.HasPrefix(rel, "..") {
		return "", storeerr.WithPath(storeerr.InvariantViolation, "path escapes the storage root", absPath)
	}
	return "/" + filepath.ToSlash(rel), nil
}

func validateRelativePath(rel string) error {
	if strings.ContainsRune(rel, 0) {
		return storeerr.WithPath(storeerr.InvariantViolation, "path contains a NUL byte", rel)
	}

	segments := strings.Split(strings.Trim(rel, "/"), "/")
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if seg == ".." {
			return storeerr.WithPath(storeerr.InvariantViolation, "path contains a '..' segment", rel)
		}
		if path.IsAbs(seg) {
			return storeerr.WithPath(storeerr.InvariantViolation, "path segment is absolute", rel)
		}
		if len(seg) > maxSegmentBytes {
			return storeerr.WithPath(storeerr.InvariantViolation, "path segment exceeds 255 bytes", rel)
		}
	}
	return nil
}
