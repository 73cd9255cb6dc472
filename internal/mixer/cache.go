package mixer

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// BuildFunc constructs a mixer for a user on cache miss. Construction is
// expensive (it may page the upstream /users listing), so concurrent
// misses for the same user are coalesced.
type BuildFunc func(userID int64) (*Mixer, error)

// Cache is a bounded LRU of built mixers keyed by user id. Entries are
// immutable; eviction just drops them.
type Cache struct {
	lru   *lru.Cache[int64, *Mixer]
	group singleflight.Group
	build BuildFunc
}

func NewCache(size int, build BuildFunc) (*Cache, error) {
	l, err := lru.New[int64, *Mixer](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l, build: build}, nil
}

// Get returns the user's mixer, building it on first use. Failed builds
// are not cached; the next request retries.
func (c *Cache) Get(userID int64) (*Mixer, error) {
	if m, ok := c.lru.Get(userID); ok {
		return m, nil
	}
	v, err, _ := c.group.Do(strconv.FormatInt(userID, 10), func() (any, error) {
		if m, ok := c.lru.Get(userID); ok {
			return m, nil
		}
		m, err := c.build(userID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(userID, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Mixer), nil
}

// Len reports how many mixers are currently cached.
func (c *Cache) Len() int { return c.lru.Len() }
