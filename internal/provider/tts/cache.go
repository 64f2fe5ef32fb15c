package tts

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Cache wraps a Provider with an LRU of synthesised audio keyed by the
// synthesis inputs. Prompt scripts repeat daily per user, so the same text
// and voice settings recur constantly; a hit skips the provider round trip.
//
// Cached audio is also addressable by key, which is how the hosted audio
// endpoint serves greeting clips to the carrier.
type Cache struct {
	provider Provider
	maxItems int

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key   string
	audio []byte
}

// NewCache wraps provider with an LRU holding at most maxItems clips.
func NewCache(provider Provider, maxItems int) *Cache {
	if maxItems < 1 {
		maxItems = 1
	}
	return &Cache{
		provider: provider,
		maxItems: maxItems,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Key derives the cache key for a synthesis request.
func Key(text string, voice VoiceProfile) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%g|%g", text, voice.ID, voice.SpeedFactor, voice.PitchShift))
	return hex.EncodeToString(h[:])
}

// Synthesize returns the cached clip for the request or synthesises and
// caches a new one.
func (c *Cache) Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error) {
	key := Key(text, voice)
	if audio, ok := c.Lookup(key); ok {
		return audio, nil
	}

	audio, err := c.provider.Synthesize(ctx, text, voice)
	if err != nil {
		return nil, err
	}
	c.put(key, audio)
	return audio, nil
}

// Lookup returns the clip stored under key, marking it recently used.
func (c *Cache) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).audio, true
}

func (c *Cache) put(key string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).audio = audio
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, audio: audio})
	for c.ll.Len() > c.maxItems {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached clips.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

var _ Provider = (*Cache)(nil)
