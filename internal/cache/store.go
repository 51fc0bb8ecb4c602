package cache

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultTTLSeconds       = 300
	DefaultCompressMinBytes = 1024
)

// Options configures a Store. An empty Dir selects memory-only mode.
type Options struct {
	Dir               string
	Compress          bool
	CompressMinBytes  int
	DefaultTTLSeconds int
	// TTLSeconds overrides the default TTL per namespace.
	TTLSeconds map[string]int
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Store is the two-tier cache. It is safe for concurrent use.
type Store struct {
	dir              string
	compress         bool
	compressMinBytes int
	defaultTTL       int
	ttls             map[string]int
	logger           *slog.Logger
	now              func() time.Time

	// afterDiskRead runs between a disk read and its promotion; tests use
	// it to interleave invalidations.
	afterDiskRead func(key string)

	mutex      sync.Mutex
	namespaces map[string]*namespace

	counters counters
}

type namespace struct {
	name string
	dir  string

	// mutex guards entries and generation; writeMutex linearizes writers so
	// the memory and disk tiers are updated in the same order.
	mutex   sync.RWMutex
	entries map[string]Entry
	// generation is bumped after every invalidation has left the disk, so
	// a reader that started before it never promotes a removed record.
	generation uint64
	writeMutex sync.Mutex
}

func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.DefaultTTLSeconds <= 0 {
		opts.DefaultTTLSeconds = DefaultTTLSeconds
	}
	if opts.CompressMinBytes <= 0 {
		opts.CompressMinBytes = DefaultCompressMinBytes
	}

	ttls := make(map[string]int, len(opts.TTLSeconds))
	for ns, ttl := range opts.TTLSeconds {
		ttls[ns] = ttl
	}

	return &Store{
		dir:              opts.Dir,
		compress:         opts.Compress,
		compressMinBytes: opts.CompressMinBytes,
		defaultTTL:       opts.DefaultTTLSeconds,
		ttls:             ttls,
		logger:           opts.Logger.With("component", "cache"),
		now:              opts.Clock,
		namespaces:       make(map[string]*namespace),
	}
}

// Dir returns the disk tier directory, or "" in memory-only mode.
func (s *Store) Dir() string {
	return s.dir
}

// TTLFor returns the configured TTL for the key's namespace.
func (s *Store) TTLFor(key string) int {
	if ttl, ok := s.ttls[Namespace(key)]; ok && ttl > 0 {
		return ttl
	}
	return s.defaultTTL
}

// Get returns the value for key if an entry exists and is still valid.
// Corrupt disk records are discarded and reported as a miss.
func (s *Store) Get(key string) ([]byte, bool) {
	ns := s.namespace(key)
	now := s.now()

	ns.mutex.RLock()
	entry, ok := ns.entries[key]
	ns.mutex.RUnlock()

	if ok && entry.ValidAt(now) {
		s.counters.hits.Add(1)
		return append([]byte(nil), entry.Value...), true
	}

	if entry, ok := s.loadFromDisk(ns, key); ok && entry.ValidAt(now) {
		s.counters.hits.Add(1)
		s.counters.diskHits.Add(1)
		return entry.Value, true
	}

	s.counters.misses.Add(1)
	return nil, false
}

// GetStale returns any present entry for key regardless of its TTL.
func (s *Store) GetStale(key string) (Entry, bool) {
	ns := s.namespace(key)

	ns.mutex.RLock()
	entry, ok := ns.entries[key]
	ns.mutex.RUnlock()

	if !ok {
		entry, ok = s.loadFromDisk(ns, key)
		if !ok {
			return Entry{}, false
		}
	}

	s.counters.staleServed.Add(1)
	return entry.clone(), true
}

// Set stores value under key in both tiers. A ttlSeconds of zero or less
// uses the namespace TTL. The memory tier is updated even when the disk
// write fails.
func (s *Store) Set(key string, value []byte, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		ttlSeconds = s.TTLFor(key)
	}

	entry := Entry{
		Key:        key,
		Value:      append([]byte(nil), value...),
		CreatedAt:  s.now(),
		TTLSeconds: ttlSeconds,
	}

	ns := s.namespace(key)
	ns.writeMutex.Lock()
	defer ns.writeMutex.Unlock()

	var err error
	if s.dir != "" {
		if err = s.writeDisk(ns, entry); err != nil {
			s.logger.Warn("disk cache write failed", "key", key, "err", err)
			err = fmt.Errorf("cache set %q: %w", key, err)
		}
	}

	ns.mutex.Lock()
	ns.entries[key] = entry
	ns.mutex.Unlock()

	s.counters.writes.Add(1)
	return err
}

// Invalidate removes key from both tiers. Removing an absent key is not an
// error.
func (s *Store) Invalidate(key string) error {
	ns := s.namespace(key)
	ns.writeMutex.Lock()
	defer ns.writeMutex.Unlock()

	var err error
	if s.dir != "" {
		if rmErr := s.removeDisk(ns, key); rmErr != nil {
			err = fmt.Errorf("cache invalidate %q: %w", key, rmErr)
		}
	}

	ns.mutex.Lock()
	delete(ns.entries, key)
	ns.generation++
	ns.mutex.Unlock()

	s.counters.invalidations.Add(1)
	return err
}

// InvalidateAll empties both tiers across every namespace, including
// namespaces only present on disk.
func (s *Store) InvalidateAll() error {
	s.counters.invalidations.Add(1)

	err := s.clearAllDisk()

	s.mutex.Lock()
	known := make([]*namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		known = append(known, ns)
	}
	s.mutex.Unlock()

	for _, ns := range known {
		ns.mutex.Lock()
		clear(ns.entries)
		ns.generation++
		ns.mutex.Unlock()
	}
	return err
}

func (s *Store) clearAllDisk() error {
	if s.dir == "" {
		return nil
	}

	dirs, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache invalidate all: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		ns := s.namespaceByDir(d.Name())
		ns.writeMutex.Lock()
		err := s.clearDisk(ns)
		ns.writeMutex.Unlock()
		if err != nil {
			return fmt.Errorf("cache invalidate all: %w", err)
		}
	}
	return nil
}

// Prune drops expired entries from both tiers and returns how many were
// removed from disk.
func (s *Store) Prune() (int, error) {
	now := s.now()

	s.mutex.Lock()
	known := make([]*namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		known = append(known, ns)
	}
	s.mutex.Unlock()

	for _, ns := range known {
		ns.mutex.Lock()
		for key, entry := range ns.entries {
			if !entry.ValidAt(now) {
				delete(ns.entries, key)
			}
		}
		ns.mutex.Unlock()
	}

	if s.dir == "" {
		return 0, nil
	}

	dirs, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}

	removed := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		ns := s.namespaceByDir(d.Name())
		ns.writeMutex.Lock()
		n, err := s.pruneDisk(ns, now)
		ns.writeMutex.Unlock()
		removed += n
		if err != nil {
			return removed, fmt.Errorf("cache prune: %w", err)
		}
	}
	return removed, nil
}

func (s *Store) Stats() Stats {
	return s.counters.snapshot()
}

// DiskEntries counts the records on disk per namespace, expired ones
// included. It returns an empty map in memory-only mode.
func (s *Store) DiskEntries() (map[string]int, error) {
	counts := make(map[string]int)
	if s.dir == "" {
		return counts, nil
	}

	dirs, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return counts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache disk entries: %w", err)
	}

	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.dir, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("cache disk entries: %w", err)
		}
		for _, f := range files {
			if isRecordFile(f.Name()) {
				counts[d.Name()]++
			}
		}
	}
	return counts, nil
}

func (s *Store) namespace(key string) *namespace {
	return s.namespaceByDir(sanitizeNamespace(Namespace(key)))
}

func (s *Store) namespaceByDir(name string) *namespace {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ns, ok := s.namespaces[name]
	if !ok {
		ns = &namespace{
			name:    name,
			entries: make(map[string]Entry),
		}
		if s.dir != "" {
			ns.dir = filepath.Join(s.dir, name)
		}
		s.namespaces[name] = ns
	}
	return ns
}

// loadFromDisk reads key from the disk tier and promotes it into memory
// unless memory already holds a newer entry. A record read before a
// concurrent invalidation is reported as a miss.
func (s *Store) loadFromDisk(ns *namespace, key string) (Entry, bool) {
	if s.dir == "" {
		return Entry{}, false
	}

	ns.mutex.RLock()
	generation := ns.generation
	ns.mutex.RUnlock()

	entry, ok, err := s.readDisk(ns, key)
	if err != nil {
		s.discardCorrupt(ns, key, err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}
	if s.afterDiskRead != nil {
		s.afterDiskRead(key)
	}

	ns.mutex.Lock()
	defer ns.mutex.Unlock()
	if ns.generation != generation {
		return Entry{}, false
	}
	if current, exists := ns.entries[key]; !exists || current.CreatedAt.Before(entry.CreatedAt) {
		ns.entries[key] = entry
	}
	return entry.clone(), true
}

func (s *Store) discardCorrupt(ns *namespace, key string, cause error) {
	s.counters.corrupt.Add(1)
	s.logger.Warn("discarding corrupt cache entry", "key", key, "namespace", ns.name, "err", cause)

	ns.writeMutex.Lock()
	defer ns.writeMutex.Unlock()
	if err := s.removeCorrupt(ns, key); err != nil {
		s.logger.Warn("failed to remove corrupt cache entry", "key", key, "err", err)
	}
}
