package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a model identifier resolves to no bundle.
var ErrNotFound = errors.New("model not found")

// Bundle is a resolved model directory and its validated manifest.
type Bundle struct {
	ID       string
	Dir      string
	Manifest Manifest
}

// Path returns name relative to the bundle directory.
func (b Bundle) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(b.Dir, filepath.FromSlash(name))
}

// Resolver maps model identifiers to bundles in a local cache, optionally
// filling the cache from an HTTP registry.
type Resolver struct {
	CacheDir    string
	RegistryURL string
	Client      *http.Client
	Logger      *slog.Logger
}

// Resolve returns the bundle for id. An id naming an existing directory is
// used as-is; otherwise it is looked up under the cache directory with "/"
// mapped to nested directories.
func (r *Resolver) Resolve(ctx context.Context, id string) (Bundle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Bundle{}, fmt.Errorf("%w: empty identifier", ErrNotFound)
	}
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		return openBundle(id, id)
	}
	if !validID(id) {
		return Bundle{}, fmt.Errorf("%w: %q is not a directory or registry identifier", ErrNotFound, id)
	}
	dir := filepath.Join(r.CacheDir, filepath.FromSlash(id))
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		return openBundle(id, dir)
	}
	if r.RegistryURL == "" {
		return Bundle{}, fmt.Errorf("%w: %q (looked in %s)", ErrNotFound, id, dir)
	}
	if err := r.fetch(ctx, id, dir); err != nil {
		return Bundle{}, err
	}
	return openBundle(id, dir)
}

func validID(id string) bool {
	if strings.HasPrefix(id, "/") || strings.Contains(id, `\`) {
		return false
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

func openBundle(id, dir string) (Bundle, error) {
	m, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Bundle{}, fmt.Errorf("%w: %s has no %s", ErrNotFound, dir, ManifestFile)
		}
		return Bundle{}, fmt.Errorf("load manifest: %w", err)
	}
	if err := Validate(m); err != nil {
		return Bundle{}, fmt.Errorf("invalid bundle %s: %w", dir, err)
	}
	return Bundle{ID: id, Dir: dir, Manifest: m}, nil
}

// CheckFiles reports the first file the manifest lists that is missing from
// the bundle directory.
func (b Bundle) CheckFiles() error {
	for _, name := range b.Manifest.Files() {
		if _, err := os.Stat(b.Path(name)); err != nil {
			return fmt.Errorf("bundle %s is missing %s: %w", b.Dir, name, err)
		}
	}
	return nil
}

// fetch downloads the manifest and every file it references into a staging
// directory, then renames it into place.
func (r *Resolver) fetch(ctx context.Context, id, dir string) error {
	logger := r.logger()
	logger.Info("fetching model bundle", slog.String("model_id", id), slog.String("registry", r.RegistryURL))

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(dir), ".fetch-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	manifestPath := filepath.Join(staging, ManifestFile)
	if err := r.download(ctx, id, ManifestFile, manifestPath); err != nil {
		return err
	}
	m, err := LoadManifest(manifestPath)
	if err != nil {
		return fmt.Errorf("load fetched manifest: %w", err)
	}
	if err := Validate(m); err != nil {
		return fmt.Errorf("invalid fetched manifest: %w", err)
	}
	for _, name := range m.Files() {
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return fmt.Errorf("bundle file %q escapes the bundle directory", name)
		}
		dst := filepath.Join(staging, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create bundle dir: %w", err)
		}
		if err := r.download(ctx, id, name, dst); err != nil {
			return err
		}
		if slices.Contains(m.Acoustic.Files, name) {
			if err := os.Chmod(dst, 0o755); err != nil {
				return fmt.Errorf("mark %s executable: %w", name, err)
			}
		}
	}
	if err := os.Rename(staging, dir); err != nil {
		return fmt.Errorf("install bundle: %w", err)
	}
	logger.Info("model bundle cached", slog.String("model_id", id), slog.String("dir", dir))
	return nil
}

func (r *Resolver) download(ctx context.Context, id, name, dst string) error {
	u, err := url.Parse(r.RegistryURL)
	if err != nil {
		return fmt.Errorf("parse registry url: %w", err)
	}
	u.Path = path.Join(u.Path, id, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: registry has no %s/%s", ErrNotFound, id, name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", name, resp.StatusCode)
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return out.Close()
}

func (r *Resolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 10 * time.Minute}
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
