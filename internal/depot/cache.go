package depot

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PrintCache keeps file revisions fetched with print. Submitted revisions
// never change, so entries are keyed by "depot#rev" and never expire.
// Cached blobs are stored under ~/.p4bridge/cache/objects/<hash>.
type PrintCache struct {
	root string
}

// NewPrintCache constructs a cache rooted at the default cache location.
func NewPrintCache() (*PrintCache, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	return NewPrintCacheAt(filepath.Join(home, ".p4bridge", "cache"))
}

// NewPrintCacheAt constructs a cache rooted at root.
func NewPrintCacheAt(root string) (*PrintCache, error) {
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, err
	}

	return &PrintCache{root: root}, nil
}

func revisionKey(depotPath string, rev int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s#%d", depotPath, rev)))
	return hex.EncodeToString(sum[:])
}

func (c *PrintCache) objectPath(key string) string {
	return filepath.Join(c.root, "objects", key)
}

// Has returns true if the cache already holds the revision.
func (c *PrintCache) Has(depotPath string, rev int) (bool, error) {
	if depotPath == "" {
		return false, errors.New("missing depot path for cache lookup")
	}

	_, err := os.Stat(c.objectPath(revisionKey(depotPath, rev)))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// Read loads a cached revision.
func (c *PrintCache) Read(depotPath string, rev int) ([]byte, error) {
	if depotPath == "" {
		return nil, errors.New("missing depot path for cache read")
	}

	return os.ReadFile(c.objectPath(revisionKey(depotPath, rev)))
}

// Store writes a revision to the cache.
func (c *PrintCache) Store(depotPath string, rev int, data []byte) error {
	if depotPath == "" {
		return errors.New("missing depot path for cache write")
	}

	return os.WriteFile(c.objectPath(revisionKey(depotPath, rev)), data, 0o644)
}
