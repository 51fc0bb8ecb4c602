package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const entryExt = ".json"

// errCorrupt marks a disk record that cannot be decoded.
var errCorrupt = errors.New("corrupt cache record")

func entryPath(ns *namespace, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(ns.dir, hex.EncodeToString(sum[:])+entryExt)
}

func (s *Store) readDisk(ns *namespace, key string) (Entry, bool, error) {
	data, err := os.ReadFile(entryPath(ns, key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		s.logger.Debug("disk cache read failed", "key", key, "err", err)
		return Entry{}, false, nil
	}

	entry, err := decodeEntry(data)
	if err != nil {
		return Entry{}, false, err
	}
	if entry.Key != key {
		// sha256 collision or a hand-edited file; not ours to serve.
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if entry.Key == "" || entry.CreatedAt.IsZero() {
		return Entry{}, fmt.Errorf("%w: missing key or created_at", errCorrupt)
	}

	if entry.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(entry.Value))
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		value, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		entry.Value = value
	}
	return entry, nil
}

func (s *Store) encodeEntry(entry Entry) ([]byte, error) {
	record := entry
	if s.compress && len(entry.Value) >= s.compressMinBytes {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(entry.Value); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		record.Value = buf.Bytes()
		record.Compressed = true
	}
	return json.Marshal(record)
}

// writeDisk replaces the record for entry.Key atomically: a temp file in the
// namespace directory is fsynced and renamed over the target while the
// namespace flock is held.
func (s *Store) writeDisk(ns *namespace, entry Entry) error {
	data, err := s.encodeEntry(entry)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(ns.dir, 0o700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	unlock, err := lockDir(ns.dir)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(ns.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, entryPath(ns, entry.Key)); err != nil {
		cleanup()
		return fmt.Errorf("rename cache record: %w", err)
	}
	return nil
}

func (s *Store) removeDisk(ns *namespace, key string) error {
	if _, err := os.Stat(ns.dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	unlock, err := lockDir(ns.dir)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(entryPath(ns, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// removeCorrupt deletes the record for key only if it is still undecodable
// under the lock, so a record rewritten by another process survives.
func (s *Store) removeCorrupt(ns *namespace, key string) error {
	unlock, err := lockDir(ns.dir)
	if err != nil {
		return err
	}
	defer unlock()

	path := entryPath(ns, key)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := decodeEntry(data); err == nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) clearDisk(ns *namespace) error {
	unlock, err := lockDir(ns.dir)
	if err != nil {
		return err
	}
	defer unlock()

	files, err := os.ReadDir(ns.dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.IsDir() || !isRecordFile(f.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(ns.dir, f.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Store) pruneDisk(ns *namespace, now time.Time) (int, error) {
	unlock, err := lockDir(ns.dir)
	if err != nil {
		return 0, err
	}
	defer unlock()

	files, err := os.ReadDir(ns.dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if f.IsDir() || !isRecordFile(f.Name()) {
			continue
		}
		path := filepath.Join(ns.dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		entry, err := decodeEntry(data)
		if err == nil && entry.ValidAt(now) {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func isRecordFile(name string) bool {
	return strings.HasSuffix(name, entryExt) && !strings.HasPrefix(name, ".")
}
