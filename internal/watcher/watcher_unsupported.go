//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package watcher

// This platform has no kqueue or inotify backend wired up. Per spec.md §9,
// an unsupported platform should fail to compile rather than silently
// degrade to polling or a no-op watcher, so this file intentionally
// references an undefined identifier instead of providing a stub newWatcher.
var _ = fileWatchingIsNotImplementedForThisPlatform
