package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mohae/deepcopy"
)

// DefaultDocumentCacheSize bounds the number of documents kept in memory.
const DefaultDocumentCacheSize = 1024

// CachedDocumentStore fronts a DocumentStore with a bounded LRU. Documents are
// immutable once written, so entries never need invalidation.
type CachedDocumentStore struct {
	inner DocumentStore
	cache *lru.Cache[string, any]
}

// NewCachedDocumentStore wraps inner with an LRU of the given size.
func NewCachedDocumentStore(inner DocumentStore, size int) (*CachedDocumentStore, error) {
	if size <= 0 {
		size = DefaultDocumentCacheSize
	}
	c, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &CachedDocumentStore{inner: inner, cache: c}, nil
}

func (c *CachedDocumentStore) PutDocument(ctx context.Context, content any) (string, error) {
	ref, err := c.inner.PutDocument(ctx, content)
	if err != nil {
		return "", err
	}
	// Cache the decoded form so hits and misses return the same shape.
	if raw, err := encodeDocument(content); err == nil {
		if doc, err := decodeDocument(raw); err == nil {
			c.cache.Add(ref, doc)
		}
	}
	return ref, nil
}

// GetDocument returns a private copy so callers may mutate the result.
func (c *CachedDocumentStore) GetDocument(ctx context.Context, ref string) (any, error) {
	if v, ok := c.cache.Get(ref); ok {
		return deepcopy.Copy(v), nil
	}
	v, err := c.inner.GetDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.cache.Add(ref, deepcopy.Copy(v))
	return v, nil
}

// Len reports the number of cached documents.
func (c *CachedDocumentStore) Len() int { return c.cache.Len() }
