// routes.go builds request paths and their rate-limit bucket routes.
//
// The server buckets rate limits by route shape, not by concrete path: most
// numeric ids collapse to a placeholder, EXCEPT the id directly under a
// major container (channels, guilds, webhooks), which stays significant.
// Everything after a reactions segment shares one bucket, so the bucket
// route freezes there while the path keeps growing.
package rest

import (
	"regexp"
	"strings"
)

var snowflakeRe = regexp.MustCompile(`^\d{16,19}$`)

var majorContainers = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// Route accumulates path segments immutably: every Join returns a new value,
// so a partially built route can be reused as a prefix. The zero value is
// the API root.
type Route struct {
	path   string
	bucket string
	prev   string // last segment, for the major-container rule
	frozen bool   // a reactions segment froze the bucket route
}

// NewRoute builds a route from the given segments.
func NewRoute(segments ...string) Route {
	var r Route
	return r.Join(segments...)
}

// Join appends segments and returns the extended route.
func (r Route) Join(segments ...string) Route {
	for _, seg := range segments {
		r.path += "/" + seg
		if !r.frozen {
			if snowflakeRe.MatchString(seg) && !majorContainers[r.prev] {
				r.bucket += "/:id"
			} else {
				r.bucket += "/" + seg
			}
			if seg == "reactions" {
				r.frozen = true
			}
		}
		r.prev = seg
	}
	return r
}

// Path is the concrete request path, leading slash included.
func (r Route) Path() string { return r.path }

// Bucket is the rate-limit route with ids collapsed.
func (r Route) Bucket() string { return r.bucket }

// Key is the pre-discovery handler key for a method on this route.
func (r Route) Key(method string) string {
	return strings.ToUpper(method) + " " + r.bucket
}

// IsReaction reports whether the path goes through a reactions segment;
// those routes get special reset padding in the coordinator.
func (r Route) IsReaction() bool {
	return r.frozen
}
