package cache_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/voicectl/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func recordPath(dir, key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(dir, cache.Namespace(key), hex.EncodeToString(sum[:])+".json")
}

var _ = Describe("Namespace", func() {
	It("should use the prefix before the first colon", func() {
		Expect(cache.Namespace("devices:list")).To(Equal("devices"))
		Expect(cache.Namespace("music:state:echo-1")).To(Equal("music"))
	})

	It("should fall back to the default namespace", func() {
		Expect(cache.Namespace("plain")).To(Equal("default"))
		Expect(cache.Namespace(":x")).To(Equal("default"))
	})
})

var _ = Describe("Entry", func() {
	It("should be valid strictly before its TTL elapses", func() {
		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		e := cache.Entry{CreatedAt: created, TTLSeconds: 60}

		Expect(e.ValidAt(created.Add(59 * time.Second))).To(BeTrue())
		Expect(e.ValidAt(created.Add(60 * time.Second))).To(BeFalse())
	})
})

var _ = Describe("Store", func() {
	var (
		clock *fakeClock
		dir   string
		store *cache.Store
	)

	newStore := func() *cache.Store {
		return cache.New(cache.Options{
			Dir:               dir,
			DefaultTTLSeconds: 60,
			TTLSeconds:        map[string]int{"routines": 600},
			Clock:             clock.Now,
		})
	}

	BeforeEach(func() {
		clock = newFakeClock()
		dir = GinkgoT().TempDir()
		store = newStore()
	})

	Describe("Get and Set", func() {
		It("should return what was set", func() {
			Expect(store.Set("devices:list", []byte(`[{"name":"kitchen"}]`), 60)).To(Succeed())

			value, ok := store.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal(`[{"name":"kitchen"}]`))
		})

		It("should miss on an unknown key", func() {
			_, ok := store.Get("devices:nope")
			Expect(ok).To(BeFalse())
			Expect(store.Stats().Misses).To(Equal(uint64(1)))
		})

		It("should expire an entry after its TTL and accept a new one", func() {
			Expect(store.Set("devices:list", []byte("v1"), 60)).To(Succeed())

			clock.Advance(61 * time.Second)
			_, ok := store.Get("devices:list")
			Expect(ok).To(BeFalse())

			Expect(store.Set("devices:list", []byte("v2"), 60)).To(Succeed())
			value, ok := store.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal("v2"))
		})

		It("should not let callers mutate stored values", func() {
			buf := []byte("abc")
			Expect(store.Set("devices:list", buf, 60)).To(Succeed())
			buf[0] = 'x'

			value, _ := store.Get("devices:list")
			Expect(string(value)).To(Equal("abc"))
			value[1] = 'y'

			again, _ := store.Get("devices:list")
			Expect(string(again)).To(Equal("abc"))
		})

		It("should apply the namespace TTL when none is given", func() {
			Expect(store.TTLFor("routines:list")).To(Equal(600))
			Expect(store.TTLFor("devices:list")).To(Equal(60))

			Expect(store.Set("routines:list", []byte("r"), 0)).To(Succeed())
			clock.Advance(5 * time.Minute)
			_, ok := store.Get("routines:list")
			Expect(ok).To(BeTrue())
		})
	})

	Describe("disk tier", func() {
		It("should serve entries written by another store instance", func() {
			Expect(store.Set("devices:list", []byte("persisted"), 60)).To(Succeed())

			other := newStore()
			value, ok := other.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal("persisted"))
			Expect(other.Stats().DiskHits).To(Equal(uint64(1)))
		})

		It("should lay records out per namespace", func() {
			Expect(store.Set("devices:list", []byte("x"), 60)).To(Succeed())
			Expect(recordPath(dir, "devices:list")).To(BeARegularFile())
		})

		It("should round-trip compressed values", func() {
			compressing := cache.New(cache.Options{
				Dir:              dir,
				Compress:         true,
				CompressMinBytes: 16,
				Clock:            clock.Now,
			})
			payload := bytes.Repeat([]byte("volume "), 500)
			Expect(compressing.Set("devices:big", payload, 60)).To(Succeed())

			raw, err := os.ReadFile(recordPath(dir, "devices:big"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring(`"compressed":true`))
			Expect(len(raw)).To(BeNumerically("<", len(payload)))

			value, ok := newStore().Get("devices:big")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal(payload))
		})

		It("should discard a corrupt record and report a miss", func() {
			Expect(store.Set("devices:list", []byte("x"), 60)).To(Succeed())
			path := recordPath(dir, "devices:list")
			Expect(os.WriteFile(path, []byte("{not json"), 0o600)).To(Succeed())

			fresh := newStore()
			_, ok := fresh.Get("devices:list")
			Expect(ok).To(BeFalse())
			Expect(fresh.Stats().Corrupt).To(Equal(uint64(1)))
			Expect(fresh.Stats().Misses).To(Equal(uint64(1)))
			Expect(path).NotTo(BeAnExistingFile())
		})

		It("should keep working in memory-only mode", func() {
			mem := cache.New(cache.Options{Clock: clock.Now})
			Expect(mem.Dir()).To(BeEmpty())
			Expect(mem.Set("devices:list", []byte("m"), 60)).To(Succeed())

			value, ok := mem.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal("m"))
		})
	})

	Describe("GetStale", func() {
		It("should return expired entries", func() {
			Expect(store.Set("devices:list", []byte("old"), 60)).To(Succeed())
			clock.Advance(10 * time.Minute)

			entry, ok := store.GetStale("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(entry.Value)).To(Equal("old"))
			Expect(entry.ValidAt(clock.Now())).To(BeFalse())
		})

		It("should read through to disk", func() {
			Expect(store.Set("devices:list", []byte("disk"), 60)).To(Succeed())
			clock.Advance(time.Hour)

			entry, ok := newStore().GetStale("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(entry.Value)).To(Equal("disk"))
		})

		It("should miss when nothing was ever stored", func() {
			_, ok := store.GetStale("devices:none")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Invalidate", func() {
		It("should remove the key from both tiers", func() {
			Expect(store.Set("devices:list", []byte("x"), 60)).To(Succeed())
			Expect(store.Invalidate("devices:list")).To(Succeed())

			_, ok := store.Get("devices:list")
			Expect(ok).To(BeFalse())
			_, ok = newStore().GetStale("devices:list")
			Expect(ok).To(BeFalse())
		})

		It("should tolerate absent keys", func() {
			Expect(store.Invalidate("devices:absent")).To(Succeed())
			Expect(store.Invalidate("unseen:absent")).To(Succeed())
		})

		It("should clear every namespace, including ones only on disk", func() {
			Expect(newStore().Set("routines:list", []byte("r"), 60)).To(Succeed())
			Expect(store.Set("devices:list", []byte("d"), 60)).To(Succeed())

			Expect(store.InvalidateAll()).To(Succeed())

			_, ok := store.GetStale("devices:list")
			Expect(ok).To(BeFalse())
			_, ok = store.GetStale("routines:list")
			Expect(ok).To(BeFalse())
			Expect(store.Stats().Invalidations).To(Equal(uint64(1)))
		})
	})

	Describe("reads racing an invalidation", func() {
		var reader *cache.Store

		BeforeEach(func() {
			Expect(store.Set("devices:list", []byte("old"), 60)).To(Succeed())
			reader = newStore()
		})

		It("should not promote a record removed by Invalidate", func() {
			var once sync.Once
			cache.SetAfterDiskRead(reader, func(string) {
				once.Do(func() { Expect(reader.Invalidate("devices:list")).To(Succeed()) })
			})

			_, ok := reader.Get("devices:list")
			Expect(ok).To(BeFalse())

			cache.SetAfterDiskRead(reader, nil)
			_, ok = reader.GetStale("devices:list")
			Expect(ok).To(BeFalse())
		})

		It("should not promote a record removed by InvalidateAll", func() {
			var once sync.Once
			cache.SetAfterDiskRead(reader, func(string) {
				once.Do(func() { Expect(reader.InvalidateAll()).To(Succeed()) })
			})

			_, ok := reader.GetStale("devices:list")
			Expect(ok).To(BeFalse())

			cache.SetAfterDiskRead(reader, nil)
			_, ok = reader.Get("devices:list")
			Expect(ok).To(BeFalse())
		})

		It("should still promote when no invalidation intervenes", func() {
			var reads int
			cache.SetAfterDiskRead(reader, func(string) { reads++ })

			value, ok := reader.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(string(value)).To(Equal("old"))

			_, ok = reader.Get("devices:list")
			Expect(ok).To(BeTrue())
			Expect(reads).To(Equal(1))
		})
	})

	Describe("Prune", func() {
		It("should drop only expired records", func() {
			Expect(store.Set("devices:short", []byte("s"), 60)).To(Succeed())
			Expect(store.Set("devices:long", []byte("l"), 3600)).To(Succeed())
			clock.Advance(2 * time.Minute)

			removed, err := store.Prune()
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))

			_, ok := store.GetStale("devices:short")
			Expect(ok).To(BeFalse())
			_, ok = store.Get("devices:long")
			Expect(ok).To(BeTrue())
		})
	})

	Describe("DiskEntries", func() {
		It("should count records per namespace", func() {
			Expect(store.Set("devices:list", []byte("d"), 0)).To(Succeed())
			Expect(store.Set("routines:list", []byte("r"), 0)).To(Succeed())
			Expect(store.Set("routines:other", []byte("o"), 0)).To(Succeed())

			counts, err := store.DiskEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal(map[string]int{"devices": 1, "routines": 2}))
		})

		It("should be empty in memory-only mode", func() {
			mem := cache.New(cache.Options{})
			Expect(mem.Set("devices:list", []byte("d"), 0)).To(Succeed())

			counts, err := mem.DiskEntries()
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(BeEmpty())
		})
	})

	Describe("concurrency", func() {
		It("should never interleave bytes from concurrent writers of one key", func() {
			const writers = 16
			size := 64 * 1024

			other := newStore()
			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					s := store
					if i%2 == 1 {
						s = other
					}
					payload := bytes.Repeat([]byte{byte('a' + i)}, size)
					Expect(s.Set("devices:shared", payload, 60)).To(Succeed())
				}(i)
			}
			wg.Wait()

			value, ok := newStore().Get("devices:shared")
			Expect(ok).To(BeTrue())
			Expect(value).To(HaveLen(size))
			Expect(bytes.Count(value, value[:1])).To(Equal(size))
		})

		It("should serve readers while writers run", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(2)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(store.Set(fmt.Sprintf("devices:%d", i), []byte("v"), 60)).To(Succeed())
				}(i)
				go func(i int) {
					defer wg.Done()
					store.Get(fmt.Sprintf("devices:%d", i))
				}(i)
			}
			wg.Wait()

			Expect(store.Stats().Writes).To(Equal(uint64(8)))
		})
	})
})
