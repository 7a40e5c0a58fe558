// Package watcher reports content-modifying events on a single file using
// the OS-native notification mechanism: kqueue on BSD/macOS, inotify on
// Linux. It intentionally does not wrap a cross-platform abstraction like
// fsnotify — spec.md §4.3 pins down exact kernel-level event masks and a
// join-before-close shutdown ordering that a generic library would hide
// behind its own event loop.
package watcher

// New starts a background goroutine that watches path and invokes onChange
// every time the OS reports a content-modifying event on it. onChange is
// invoked sequentially — never concurrently with itself — and the platform
// implementation is responsible for that guarantee.
//
// Implemented per-platform in watcher_linux.go, watcher_kqueue.go, and (to
// fail the build rather than silently degrade, per spec.md §9)
// watcher_unsupported.go.
func New(path string, onChange func()) (*Watcher, error) {
	return newWatcher(path, onChange)
}
