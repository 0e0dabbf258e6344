/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package statedb

import (
	"github.com/VictoriaMetrics/fastcache"
)

// Cache holds the encoded latest record of recently committed keys. It is
// written only by the committing goroutine after a batch lands, so readers
// never race a stale fill against a newer commit. A nil *Cache is a valid,
// disabled cache.
type Cache struct {
	cache *fastcache.Cache
}

// NewCache creates a cache of sizeMB megabytes. A non-positive size
// disables caching.
func NewCache(sizeMB int) *Cache {
	if sizeMB <= 0 {
		return nil
	}
	return &Cache{cache: fastcache.New(sizeMB * 1024 * 1024)}
}

func (c *Cache) get(dataKey []byte) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.cache.HasGet(nil, dataKey)
}

func (c *Cache) put(dataKey []byte, encodedValue []byte) {
	if c == nil {
		return
	}
	c.cache.Set(dataKey, encodedValue)
}

// Reset drops every entry
func (c *Cache) Reset() {
	if c == nil {
		return
	}
	c.cache.Reset()
}
