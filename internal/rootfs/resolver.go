// Package rootfs confines user-supplied paths to a configured root directory.
// Every path handed to the filesystem by either protocol goes through a
// Resolver first; anything whose canonical form escapes the root is rejected.
package rootfs

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

var (
	// ErrTraversal is returned when a path's canonical form lies outside the
	// root, whether via "..", an absolute prefix, or a symlink pointing out.
	ErrTraversal = errors.New("path escapes root")

	// ErrBadPath is returned for paths that fail input validation before any
	// filesystem lookup (null bytes, invalid UTF-8).
	ErrBadPath = errors.New("malformed path")
)

// Resolver maps client paths onto a canonicalized root.
type Resolver struct {
	root string
}

// New canonicalizes the root (absolute, symlinks resolved) and returns a
// Resolver bound to it. The root must exist.
func New(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "absolute root %q", root)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "canonicalize root %q", abs)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, errors.Wrapf(err, "stat root %q", canon)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("root %q is not a directory", canon)
	}
	return &Resolver{root: canon}, nil
}

// Root returns the canonical root directory.
func (r *Resolver) Root() string { return r.root }

// Resolve validates userPath and returns the on-disk path to operate on.
// The result is guaranteed to lie under the root after symlink resolution of
// every existing ancestor; the final component may not exist yet (creates).
func (r *Resolver) Resolve(userPath string) (string, error) {
	if err := validate(userPath); err != nil {
		return "", err
	}

	// a path whose lexical clean still climbs above its own start can only
	// be a traversal attempt; deny instead of clamping it to the root
	trimmed := strings.TrimPrefix(filepath.ToSlash(userPath), "/")
	if rel := path.Clean(trimmed); rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrTraversal
	}

	// rebase onto the root; after the check above "." and ".." collapse
	// lexically, so a traversal can only survive via symlinks, which
	// resolveExisting flushes out below
	rel := path.Clean("/" + filepath.ToSlash(userPath))
	candidate := filepath.Join(r.root, filepath.FromSlash(rel))

	resolved, err := resolveExisting(candidate)
	if err != nil {
		return "", errors.Wrap(err, "resolve path")
	}
	if !within(r.root, resolved) {
		return "", ErrTraversal
	}
	return resolved, nil
}

// Canonical returns the client-visible canonical form of userPath, always
// presented rooted at "/".
func (r *Resolver) Canonical(userPath string) (string, error) {
	if err := validate(userPath); err != nil {
		return "", err
	}
	p := filepath.ToSlash(userPath)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

func validate(p string) error {
	if strings.ContainsRune(p, 0) || !utf8.ValidString(p) {
		return ErrBadPath
	}
	return nil
}

// resolveExisting canonicalizes the deepest existing prefix of p and splices
// the non-existing remainder back on. Symlinks anywhere along the existing
// part are resolved so a link out of the root cannot hide behind a
// yet-to-be-created leaf.
func resolveExisting(p string) (string, error) {
	remainder := ""
	cur := p
	for hops := 0; hops < 40; hops++ {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(errors.Cause(err)) {
			return "", err
		}
		// a dangling symlink exists for Lstat but not EvalSymlinks; follow it
		// by hand so its target is still subject to the containment check
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&os.ModeSymlink != 0 {
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = filepath.Clean(target)
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
	return "", errors.New("too many levels of symbolic links")
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
