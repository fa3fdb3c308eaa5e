// Package fetch downloads resources over an injected HTTP client and coalesces
// concurrent requests: while a GET for a URL is in flight, further callers for
// the same URL join its handler list instead of issuing another request.
package fetch
