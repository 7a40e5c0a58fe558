//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package watcher

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const watchFflags = unix.NOTE_WRITE | unix.NOTE_EXTEND | unix.NOTE_ATTRIB

var pollTimeout = unix.NsecToTimespec(100 * 1_000_000) // 100ms

// Watcher is the kqueue backend used on BSD and macOS.
type Watcher struct {
	kq         int
	f          *os.File
	onChange   func()
	shouldStop atomic.Bool
	stopOnce   sync.Once
	done       chan struct{}
}

func newWatcher(path string, onChange func()) (*Watcher, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("watcher: open %q: %w", path, err)
	}

	kq, err := unix.Kqueue()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("watcher: kqueue: %w", err)
	}

	changes := []unix.Kevent_t{{
		Ident:  uint64(f.Fd()),
		Filter: unix.EVFILT_VNODE,
		Flags:  unix.EV_ADD | unix.EV_ENABLE | unix.EV_CLEAR,
		Fflags: watchFflags,
	}}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		unix.Close(kq)
		f.Close()
		return nil, fmt.Errorf("watcher: kevent register: %w", err)
	}

	w := &Watcher{
		kq:       kq,
		f:        f,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	events := make([]unix.Kevent_t, 1)
	for !w.shouldStop.Load() {
		n, err := unix.Kevent(w.kq, nil, events, &pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				return // kq closed out from under us during shutdown
			}
			continue
		}
		for i := 0; i < n; i++ {
			if events[i].Fflags&watchFflags != 0 {
				w.onChange()
			}
		}
	}
}

// Stop sets the should_stop flag, joins the watch goroutine, then closes
// the kqueue fd and the watched file. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.shouldStop.Store(true)
		<-w.done
		unix.Close(w.kq)
		w.f.Close()
	})
}
