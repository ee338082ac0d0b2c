package changedetect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CacheKey identifies a warped intermediate: the source it was derived from,
// the digest of that source's content, and the target CRS.
type CacheKey struct {
	Source string
	Digest string
	CRS    string
}

func (k CacheKey) stem() string {
	base := filepath.Base(k.Source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// WarpCache stores warped intermediates across runs.
//
// Lookup returns the path of a previously stored file for key. Store takes
// ownership of the freshly warped file at path and returns the location it
// can be read from afterwards.
type WarpCache interface {
	Lookup(ctx context.Context, key CacheKey) (string, bool, error)
	Store(ctx context.Context, key CacheKey, path string) (string, error)
}

// DirCache keeps warped files on disk as <stem>-<crs>-<digest>-warp.tif. With
// an empty Dir, files are placed beside local sources and in the os temp dir
// for remote ones.
type DirCache struct {
	Dir string
}

func (c DirCache) Path(key CacheKey) string {
	dir := c.Dir
	if dir == "" {
		if isRemote(key.Source) {
			dir = os.TempDir()
		} else {
			dir = filepath.Dir(key.Source)
		}
	}
	digest := key.Digest
	if len(digest) > 12 {
		digest = digest[:12]
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s-%s-warp.tif", key.stem(), key.CRS, digest))
}

func (c DirCache) Lookup(_ context.Context, key CacheKey) (string, bool, error) {
	p := c.Path(key)
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat %s: %w", p, err)
	}
	if !st.Mode().IsRegular() {
		return "", false, fmt.Errorf("%s is not a regular file", p)
	}
	return p, true, nil
}

// Store moves path into the cache. The final name only appears once the file
// is complete, so concurrent runs never read a partially written warp.
func (c DirCache) Store(_ context.Context, key CacheKey, path string) (string, error) {
	dst := c.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(path, dst); err == nil {
		return dst, nil
	}
	// different filesystems: copy next to dst, then rename
	tmp := fmt.Sprintf("%s.%s.tmp", dst, uuid.New().String())
	if err := copyFile(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("rename %s->%s: %w", tmp, dst, err)
	}
	os.Remove(path) //nolint:errcheck
	return dst, nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s->%s: %w", src, dst, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}

// MemCache is an in-process WarpCache keyed on content digest and CRS only,
// so identical content under different names is warped once. Stored files
// are left where they were warped.
type MemCache struct {
	mu      sync.Mutex
	entries map[memKey]string
}

type memKey struct {
	digest, crs string
}

func NewMemCache() *MemCache {
	return &MemCache{entries: map[memKey]string{}}
}

func (c *MemCache) Lookup(_ context.Context, key CacheKey) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[memKey{key.Digest, key.CRS}]
	return p, ok, nil
}

func (c *MemCache) Store(_ context.Context, key CacheKey, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[memKey]string{}
	}
	c.entries[memKey{key.Digest, key.CRS}] = path
	return path, nil
}

func (c *MemCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func digestReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func digestString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func isRemote(name string) bool {
	return strings.HasPrefix(name, "gs://") || strings.HasPrefix(name, "/vsi")
}
