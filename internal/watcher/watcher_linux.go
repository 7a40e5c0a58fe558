//go:build linux

package watcher

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const watchMask = unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
	unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_CREATE | unix.IN_DELETE

const pollInterval = 100 * time.Millisecond

// Watcher is the Linux inotify backend.
type Watcher struct {
	fd         int
	wd         int
	onChange   func()
	shouldStop atomic.Bool
	stopOnce   sync.Once
	done       chan struct{}
}

func newWatcher(path string, onChange func()) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}

	wd, err := unix.InotifyAddWatch(fd, path, watchMask)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watcher: inotify_add_watch: %w", err)
	}

	w := &Watcher{
		fd:       fd,
		wd:       wd,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	buf := make([]byte, unix.SizeofInotifyEvent*64)
	for !w.shouldStop.Load() {
		n, err := unix.Read(w.fd, buf)
		if err != nil {
			if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
				time.Sleep(pollInterval)
				continue
			}
			if err == unix.EBADF {
				return // fd closed out from under us during shutdown
			}
			slog.Warn("watcher: inotify read error", "error", err)
			time.Sleep(pollInterval)
			continue
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		var offset uint32
		for offset <= uint32(n)-unix.SizeofInotifyEvent {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			if uint32(raw.Mask)&watchMask != 0 {
				w.onChange()
			}
			offset += unix.SizeofInotifyEvent + raw.Len
		}
	}
}

// Stop sets the should_stop flag, joins the watch goroutine, then closes
// the inotify fd and removes the watch descriptor. It is idempotent:
// calling it more than once is a no-op after the first call completes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.shouldStop.Store(true)
		<-w.done
		unix.InotifyRmWatch(w.fd, uint32(w.wd))
		unix.Close(w.fd)
	})
}
