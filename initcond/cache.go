// Package initcond caches the initial conditions of compositional
// iterations: the best teachable predicted clean latent, its prompt block
// and timesteps, keyed by subject. A later compositional iteration for the
// same subject can continue denoising from the cached state instead of fresh
// noise, which gives the compositional losses a two-phase trajectory.
package initcond

import (
	"math/rand"
	"sort"

	"github.com/askerlee/adaface/aferr"
	"github.com/askerlee/adaface/prompt"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// DefaultMaxSize bounds the cache; with typical latent shapes this stays
// around a few hundred MB of host memory.
const DefaultMaxSize = 100

// Entry is one cached compositional state.
type Entry struct {
	// ID tags the entry in logs.
	ID uuid.UUID

	// Latent is the predicted clean latent of the teachable candidate,
	// shaped [1, H, W, C].
	Latent *tensors.Tensor

	// Block is the prompt block the latent was produced under.
	Block *prompt.Block

	// Timesteps records where the producing denoising chain stopped, one
	// value per latent row.
	Timesteps []int

	// ImgMask and FGMask are carried along so the reuse iteration weights
	// its losses consistently with the producing one. Either may be nil.
	ImgMask *tensors.Tensor
	FGMask  *tensors.Tensor

	UseBackgroundToken bool
}

// EvictionPolicy picks the key to drop when the cache is full. keys is
// non-empty and sorted.
type EvictionPolicy interface {
	Pick(keys []string, rng *rand.Rand) string
}

// UniformRandomEviction drops a uniformly random entry. Random eviction keeps
// long-lived subjects from monopolizing the cache the way LRU would under a
// cyclic subject sampler.
type UniformRandomEviction struct{}

func (UniformRandomEviction) Pick(keys []string, rng *rand.Rand) string {
	return keys[rng.Intn(len(keys))]
}

// Cache is a bounded subject-keyed store of init conditions. Take is
// destructive: each entry serves at most one reuse iteration.
//
// Not safe for concurrent use; the training loop is single-threaded.
type Cache struct {
	maxSize int
	entries map[string]*Entry
	rng     *rand.Rand
	policy  EvictionPolicy
}

// New creates a cache bounded to maxSize entries. A nil policy defaults to
// UniformRandomEviction.
func New(maxSize int, seed int64, policy EvictionPolicy) (*Cache, error) {
	if maxSize < 1 {
		return nil, aferr.Configf("initcond", "cache size must be >= 1, got %d", maxSize)
	}
	if policy == nil {
		policy = UniformRandomEviction{}
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]*Entry, maxSize),
		rng:     rand.New(rand.NewSource(seed)),
		policy:  policy,
	}, nil
}

// Put stores an entry for subject, evicting first if the cache is full and
// subject is not already present. The entry gets its ID assigned here.
func (c *Cache) Put(subject string, e *Entry) {
	if _, present := c.entries[subject]; !present && len(c.entries) >= c.maxSize {
		victim := c.policy.Pick(c.Keys(), c.rng)
		evicted := c.entries[victim]
		delete(c.entries, victim)
		klog.V(1).Infof("initcond: evicted %q (entry %s, %s) to admit %q",
			victim, evicted.ID, humanize.IBytes(uint64(evicted.Latent.Memory())), subject)
	}
	e.ID = uuid.New()
	c.entries[subject] = e
}

// Take removes and returns the entry for subject. The second result is false
// on a miss. A second Take for the same subject misses until a new Put.
func (c *Cache) Take(subject string) (*Entry, bool) {
	e, ok := c.entries[subject]
	if !ok {
		return nil, false
	}
	delete(c.entries, subject)
	return e, true
}

// Has reports whether an entry exists for subject without consuming it.
func (c *Cache) Has(subject string) bool {
	_, ok := c.entries[subject]
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Keys returns the cached subjects in sorted order.
func (c *Cache) Keys() []string {
	keys := maps.Keys(c.entries)
	sort.Strings(keys)
	return keys
}
