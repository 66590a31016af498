// Package dedup extracts the one genuinely reusable piece of the teacher's
// loader machinery: a thin wrapper around golang.org/x/sync/singleflight
// that collapses concurrent identical requests into a single call. The
// teacher used this to dedup concurrent cache misses against a
// user-supplied LoaderFunc; shadowcode drops that loader-callback
// abstraction entirely (a miss here is resolved by walking the host object
// model, not by invoking user code) but keeps singleflight itself, rewired
// onto two different races that only show up under a multi-OS-thread host
// (sub-interpreters, or a free-threaded CPython-style build): concurrent
// first-touch directory creation in internal/typedir, and concurrent
// respecialization of the same bytecode site in internal/dispatch.
//
// © 2025 shadowcode authors. MIT License.
package dedup

import "golang.org/x/sync/singleflight"

// Group collapses concurrent calls sharing the same key into one underlying
// call, returning the same result (and error) to every caller waiting on it.
type Group struct {
	g singleflight.Group
}

// Do executes fn for key, or waits for and shares the result of an
// in-flight call already running for that key.
func (d *Group) Do(key string, fn func() (any, error)) (any, error, bool) {
	return d.g.Do(key, fn)
}

// Forget tells the Group to forget about key, so the next Do for it always
// calls fn rather than joining an existing in-flight call.
func (d *Group) Forget(key string) {
	d.g.Forget(key)
}
