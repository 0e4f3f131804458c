package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// FromCacheHeader is set by the caching transport on responses served locally.
const FromCacheHeader = httpcache.XFromCache

// newReceiptHTTPClient returns a client that caches immutable receipt
// downloads. An empty cacheDir keeps the cache in memory.
func newReceiptHTTPClient(cacheDir string, base http.RoundTripper) *http.Client {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cacheDir != "" {
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = base

	return &http.Client{Transport: transport}
}
