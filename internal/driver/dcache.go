package driver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"martianls/internal/invoke"
	"martianls/internal/mroenv"
)

// Current schema version - increment when cleanEntry format changes
const diskCacheSchemaVersion uint16 = 1

// Digest identifies one (content, formatter launch) pair.
type Digest [sha256.Size]byte

// DiskCache remembers files the formatter already left unchanged, so that
// repeated batch runs can skip them. Thread-safe for concurrent access.
type DiskCache struct {
	mu  sync.RWMutex
	dir string
}

type cleanEntry struct {
	Schema    uint16
	Path      string
	Size      int
	CheckedAt time.Time
}

// OpenDiskCache initializes and returns a disk cache at the standard location.
func OpenDiskCache(app string) (*DiskCache, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = filepath.Join(home, ".cache")
	}
	return NewDiskCache(filepath.Join(base, app))
}

// NewDiskCache returns a cache stored under dir.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir}, nil
}

// ExecutableIdentity describes the binary behind path: its resolved location,
// size and modification time. Replacing or upgrading the formatter changes
// the identity even when the configured path stays the same. A binary that
// cannot be found yields an identity that never matches a real one.
func ExecutableIdentity(path string) string {
	resolved, err := exec.LookPath(path)
	if err != nil && !errors.Is(err, exec.ErrDot) {
		return "unresolved\x00" + path
	}
	if abs, absErr := filepath.Abs(resolved); absErr == nil {
		resolved = abs
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "unresolved\x00" + resolved
	}
	return fmt.Sprintf("%s\x00%d\x00%d", resolved, info.Size(), info.ModTime().UnixNano())
}

// CleanKey hashes content together with everything that can change the
// formatter's output for it: the binary (see ExecutableIdentity), its
// arguments and MROPATH.
func CleanKey(content []byte, ex invoke.Execution, binary string) Digest {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(ex.Path)
	write(binary)
	for _, arg := range ex.Args {
		write(arg)
	}
	write(mroenv.LookupSearchPath(ex.Env))
	h.Write(content)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Dir returns the directory holding the cache.
func (c *DiskCache) Dir() string { return c.dir }

func (c *DiskCache) pathFor(key Digest) string {
	hexKey := hex.EncodeToString(key[:])
	return filepath.Join(c.dir, "clean", hexKey[:2], hexKey+".mp")
}

// MarkClean records that the content behind key is already formatted.
func (c *DiskCache) MarkClean(key Digest, path string, size int) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if _, statErr := os.Stat(tmp); statErr == nil {
			_ = os.Remove(tmp)
		}
	}()

	entry := cleanEntry{
		Schema:    diskCacheSchemaVersion,
		Path:      path,
		Size:      size,
		CheckedAt: time.Now().UTC(),
	}
	if err := msgpack.NewEncoder(f).Encode(&entry); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// IsClean reports whether key was recorded by MarkClean. Entries written by
// another schema version are treated as missing.
func (c *DiskCache) IsClean(key Digest) (bool, error) {
	if c == nil {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	var entry cleanEntry
	if err := msgpack.NewDecoder(f).Decode(&entry); err != nil {
		return false, err
	}
	return entry.Schema == diskCacheSchemaVersion, nil
}

// DropAll invalidates the cache.
func (c *DiskCache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.dir + ".old-" + time.Now().Format("20060102150405")
	if err := os.Rename(c.dir, old); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0o755)
}
