// Package assets keeps versioned generations of app-shell files on disk.
// Each generation is one directory under the cache root; paths inside a
// generation are confined to it.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxAssetBytes = 16 * 1024 * 1024

var (
	ErrInvalidGeneration = errors.New("invalid cache generation")
	ErrInvalidPath       = errors.New("invalid asset path")
)

// Cache is a directory of generations.
type Cache struct {
	root string
}

// New returns a Cache rooted at root, creating the directory if needed.
func New(root string) (*Cache, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("assets: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("assets: create root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("assets: eval symlinks on root: %w", err)
	}
	return &Cache{root: resolved}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) genDir(gen string) (string, error) {
	if gen == "" || gen == "." || gen == ".." || strings.ContainsAny(gen, `/\`) || strings.HasPrefix(gen, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidGeneration, gen)
	}
	return filepath.Join(c.root, gen), nil
}

// resolve maps name inside generation gen to a file path.
func (c *Cache) resolve(gen, name string) (string, error) {
	dir, err := c.genDir(gen)
	if err != nil {
		return "", err
	}
	cleaned := filepath.FromSlash(strings.TrimPrefix(name, "/"))
	if cleaned == "" || !filepath.IsLocal(cleaned) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return filepath.Join(dir, cleaned), nil
}

// Keys lists the generations present, sorted.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("assets: list generations: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			keys = append(keys, e.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ensure creates generation gen if it does not exist.
func (c *Cache) Ensure(gen string) error {
	dir, err := c.genDir(gen)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("assets: create generation %s: %w", gen, err)
	}
	return nil
}

// Delete removes generation gen. It reports false when gen did not exist.
func (c *Cache) Delete(ctx context.Context, gen string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := c.genDir(gen)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("assets: delete generation %s: %w", gen, err)
	}
	return true, nil
}

// Put stores the contents of r as name in generation gen. The write is
// atomic: readers see the old file or the new one, never a partial one.
func (c *Cache) Put(gen, name string, r io.Reader) error {
	dest, err := c.resolve(gen, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("assets: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".asset-*.tmp")
	if err != nil {
		return fmt.Errorf("assets: create temp: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, io.LimitReader(r, maxAssetBytes+1))
	if err == nil && n > maxAssetBytes {
		err = fmt.Errorf("asset larger than %d bytes", maxAssetBytes)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("assets: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("assets: close temp: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("assets: rename: %w", err)
	}
	return nil
}

// Get opens name from generation gen. The caller closes the file.
func (c *Cache) Get(gen, name string) (*os.File, error) {
	p, err := c.resolve(gen, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("assets: open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("assets: stat %s: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("assets: open %s: %w", name, fs.ErrNotExist)
	}
	return f, nil
}

// Precache copies each named file from srcDir into generation gen. Every
// file is attempted; the failures are joined.
func (c *Cache) Precache(gen, srcDir string, names []string) (int, error) {
	if err := c.Ensure(gen); err != nil {
		return 0, err
	}
	var (
		stored int
		errs   []error
	)
	for _, name := range names {
		if err := c.copyIn(gen, srcDir, name); err != nil {
			errs = append(errs, err)
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

func (c *Cache) copyIn(gen, srcDir, name string) error {
	rel := filepath.FromSlash(strings.TrimPrefix(name, "/"))
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	src, err := os.Open(filepath.Join(srcDir, rel))
	if err != nil {
		return fmt.Errorf("assets: precache %s: %w", name, err)
	}
	defer src.Close()
	return c.Put(gen, name, src)
}
