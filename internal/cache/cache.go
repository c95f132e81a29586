// Package cache provides thread-safe generic caches and the rendered article cache.
package cache

import (
	"html/template"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		items: make(map[K]V),
	}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	val, ok := c.items[key]
	return val, ok
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = value
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]V)
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// LRU is a size-bounded cache. The zero size falls back to DefaultLRUSize.
type LRU[K comparable, V any] struct {
	inner *lru.Cache[K, V]
}

const DefaultLRUSize = 256

func NewLRU[K comparable, V any](size int) *LRU[K, V] {
	if size <= 0 {
		size = DefaultLRUSize
	}
	inner, err := lru.New[K, V](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &LRU[K, V]{inner: inner}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.inner.Get(key)
}

func (c *LRU[K, V]) Set(key K, value V) {
	c.inner.Add(key, value)
}

func (c *LRU[K, V]) Delete(key K) {
	c.inner.Remove(key)
}

func (c *LRU[K, V]) Clear() {
	c.inner.Purge()
}

func (c *LRU[K, V]) Len() int {
	return c.inner.Len()
}

// RenderedContent is a rendered article body keyed by content hash and syntax theme.
type RenderedContent struct {
	HTML []byte
}

var renderedCache = NewLRU[string, *RenderedContent](1024)

func renderedKey(contentHash, syntaxTheme string) string {
	return contentHash + ":" + syntaxTheme
}

func GetRendered(contentHash, syntaxTheme string) (*RenderedContent, bool) {
	return renderedCache.Get(renderedKey(contentHash, syntaxTheme))
}

func SetRendered(contentHash, syntaxTheme string, html []byte) {
	renderedCache.Set(renderedKey(contentHash, syntaxTheme), &RenderedContent{HTML: html})
}

func ClearRendered() {
	renderedCache.Clear()
}

// Static asset hashes by URL path, used as ETags.
var assetHashes = NewCache[string, string]()

func GetStaticHash(path string) (string, bool) {
	return assetHashes.Get(path)
}

func SetStaticHash(path, hash string) {
	assetHashes.Set(path, hash)
}

// Generated chroma stylesheets by theme name. The theme set is fixed, so
// this never needs eviction.
var themeCSS = NewCache[string, template.CSS]()

func GetSyntaxCSS(theme string) (template.CSS, bool) {
	return themeCSS.Get(theme)
}

func SetSyntaxCSS(theme string, css template.CSS) {
	themeCSS.Set(theme, css)
}
