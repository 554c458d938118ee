package cache

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"printlapse/pkg/types"
)

// Validators computes the cache validators of the current resource state.
// A zero LastModified means it is unknown.
type Validators func(r *http.Request) (etag string, lastModified time.Time)

// Cached serves GET requests from the cache. Conditional requests matching the
// current validators get a 304, a stored body is reused while its ETag is still
// current, and fresh 200 responses are recorded under key(r).
func Cached(c *ResponseCache, key func(r *http.Request) string, validators Validators) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			etag, lastModified := validators(r)
			setValidators(w.Header(), etag, lastModified)

			if notModified(r, etag, lastModified) {
				w.WriteHeader(http.StatusNotModified)
				return
			}

			cacheKey := key(r)
			if !noCache(r) {
				if cached := c.Get(cacheKey); cached != nil && cached.ETag == etag {
					writeCached(w, r, cached)
					return
				}
			}

			rec := &recorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.statusCode == http.StatusOK {
				c.Set(cacheKey, &types.CachedResponse{
					StatusCode:   rec.statusCode,
					Header:       w.Header().Clone(),
					Body:         rec.body.Bytes(),
					ETag:         etag,
					LastModified: lastModified,
				})
			}
		})
	}
}

// NonCaching marks responses as not cacheable by clients or proxies
func NonCaching(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}

func setValidators(h http.Header, etag string, lastModified time.Time) {
	if etag != "" {
		h.Set("ETag", quoteETag(etag))
	}
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	h.Set("Cache-Control", "max-age=0")
}

func notModified(r *http.Request, etag string, lastModified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if etag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			candidate = strings.TrimPrefix(candidate, "W/")
			if candidate == "*" || candidate == quoteETag(etag) {
				return true
			}
		}
		return false
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" && !lastModified.IsZero() {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !lastModified.Truncate(time.Second).After(since)
	}

	return false
}

func noCache(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Cache-Control"), "no-cache") ||
		r.Header.Get("Pragma") == "no-cache"
}

func quoteETag(etag string) string {
	return `"` + etag + `"`
}

// perRequestHeaders are never replayed from a stored response
var perRequestHeaders = map[string]struct{}{
	"Etag":          {},
	"Last-Modified": {},
	"Cache-Control": {},
	"X-Request-Id":  {},
	"Date":          {},
}

func writeCached(w http.ResponseWriter, r *http.Request, cached *types.CachedResponse) {
	for name, values := range cached.Header {
		if _, skip := perRequestHeaders[name]; skip {
			continue
		}
		w.Header()[name] = append([]string(nil), values...)
	}
	w.WriteHeader(cached.StatusCode)
	if r.Method != http.MethodHead {
		w.Write(cached.Body)
	}
}

// recorder captures the status code and body written by the wrapped handler
type recorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rec *recorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	rec.body.Write(b)
	return rec.ResponseWriter.Write(b)
}
