package update

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Cache keeps downloaded firmware and configuration files on disk. Each file
// has a ".b2" sidecar holding its BLAKE2b-256 digest; a file whose digest
// does not match is treated as missing.
type Cache struct {
	Dir string
}

// Path returns where key is stored.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.Dir, sanitizeKey(key))
}

// Load returns the cached contents of key if present and intact.
func (c *Cache) Load(key string) ([]byte, bool) {
	path := c.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	want, err := os.ReadFile(path + ".b2")
	if err != nil {
		return nil, false
	}
	got := digest(data)
	if !bytes.Equal(bytes.TrimSpace(want), []byte(got)) {
		slog.Warn("[OTA] cached file failed digest check", "key", key)
		os.Remove(path)
		os.Remove(path + ".b2")
		return nil, false
	}
	return data, true
}

// Seal records the digest of the file already written at Path(key) and
// returns its contents.
func (c *Cache) Seal(key string) ([]byte, error) {
	path := c.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("update: read cached %s: %w", key, err)
	}
	if err := os.WriteFile(path+".b2", []byte(digest(data)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("update: write digest for %s: %w", key, err)
	}
	return data, nil
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
}
