package assets_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/pushkeeper/internal/assets"
)

func newCache(t *testing.T) *assets.Cache {
	t.Helper()
	c, err := assets.New(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	c := newCache(t)
	if err := c.Put("v1", "/css/app.css", strings.NewReader("body{}")); err != nil {
		t.Fatalf("put: %v", err)
	}
	f, err := c.Get("v1", "css/app.css")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer f.Close()
	got, _ := io.ReadAll(f)
	if string(got) != "body{}" {
		t.Fatalf("content = %q", got)
	}
	if _, err := c.Get("v1", "missing.js"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if _, err := c.Get("v1", "css"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("directories are not assets, got %v", err)
	}
}

func TestCache_KeysAndDelete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	for _, gen := range []string{"v2", "v1", "v3"} {
		if err := c.Ensure(gen); err != nil {
			t.Fatalf("ensure %s: %v", gen, err)
		}
	}
	// Stray files and temp dirs are not generations.
	os.WriteFile(filepath.Join(c.Root(), "notes.txt"), []byte("x"), 0o644)
	os.Mkdir(filepath.Join(c.Root(), ".staging"), 0o755)

	keys, err := c.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if strings.Join(keys, ",") != "v1,v2,v3" {
		t.Fatalf("keys = %v", keys)
	}

	deleted, err := c.Delete(ctx, "v2")
	if err != nil || !deleted {
		t.Fatalf("delete v2: %v %v", deleted, err)
	}
	deleted, err = c.Delete(ctx, "v2")
	if err != nil || deleted {
		t.Fatalf("second delete should report false, got %v %v", deleted, err)
	}
	keys, _ = c.Keys(ctx)
	if strings.Join(keys, ",") != "v1,v3" {
		t.Fatalf("keys after delete = %v", keys)
	}
}

func TestCache_RejectsEscapes(t *testing.T) {
	c := newCache(t)
	for _, gen := range []string{"", "..", "a/b", ".hidden"} {
		if err := c.Ensure(gen); !errors.Is(err, assets.ErrInvalidGeneration) {
			t.Fatalf("generation %q: expected ErrInvalidGeneration, got %v", gen, err)
		}
	}
	for _, name := range []string{"../x", "a/../../x", ""} {
		if err := c.Put("v1", name, strings.NewReader("x")); !errors.Is(err, assets.ErrInvalidPath) {
			t.Fatalf("name %q: expected ErrInvalidPath, got %v", name, err)
		}
	}
}

func TestCache_PrecacheCopiesAvailableFiles(t *testing.T) {
	c := newCache(t)
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "index.html"), []byte("<html>"), 0o644)

	stored, err := c.Precache("v1", src, []string{"index.html", "manifest.json"})
	if stored != 1 {
		t.Fatalf("stored = %d", stored)
	}
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing manifest to be reported, got %v", err)
	}
	f, err := c.Get("v1", "index.html")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	f.Close()
}
