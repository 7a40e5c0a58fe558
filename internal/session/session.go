// Package session implements the per-connection session orchestrator
// (spec.md §4.5): it owns a single accepted connection's state machine,
// coupling the protocol codec, the temp-file store, the file watcher, and
// the editor launcher under one shared, mutex-guarded writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/danielpgross/rmate-launcher/internal/core"
	"github.com/danielpgross/rmate-launcher/internal/editor"
	"github.com/danielpgross/rmate-launcher/internal/protocol"
	"github.com/danielpgross/rmate-launcher/internal/store"
	"github.com/danielpgross/rmate-launcher/internal/watcher"
)

// fileSession is one per accepted open that successfully created a temp
// file, per spec.md §3.
type fileSession struct {
	token      string
	tempPath   string
	dataOnSave bool
	watcher    *watcher.Watcher
}

// Session drives one accepted connection end to end.
type Session struct {
	conn          net.Conn
	store         *store.Store
	editorCommand string

	// writeMu serializes every write_save/write_close call, since the
	// watcher-callback goroutines and the editor-wait goroutines share this
	// one socket, per spec.md §5.
	writeMu sync.Mutex

	// wg tracks in-flight FileSessions so DRAINING can block until every
	// editor has exited and every temp file has been pruned.
	wg sync.WaitGroup

	// openMu/openKeys implement the session-local half of spec.md §4.5's
	// duplicate-open suppression: an optimization over the authoritative
	// O_EXCL check in the store, so a client re-opening its own in-flight
	// file doesn't pay for a doomed CreateMirror/WriteExclusive round trip.
	openMu   sync.Mutex
	openKeys map[string]struct{}
}

// New returns a Session ready to drive conn, materializing files under st
// and editing them with editorCommand.
func New(conn net.Conn, st *store.Store, editorCommand string) *Session {
	return &Session{
		conn:          conn,
		store:         st,
		editorCommand: editorCommand,
		openKeys:      make(map[string]struct{}),
	}
}

// Handle runs the session's full state machine: greeting, parsing, open
// handling, and draining, per the diagram in spec.md §4.5. It returns once
// the connection should be closed — every in-flight editor has exited and
// every close frame for this connection has been written.
func (s *Session) Handle() {
	defer s.conn.Close()

	if err := s.writeGreeting(); err != nil {
		slog.Warn("failed to write greeting", "error", err)
		return
	}

	requests, err := protocol.ReadCommands(s.conn)
	if err != nil {
		// A protocol-level error aborts the connection (spec.md §7), but
		// any requests already parsed before the broken frame still need
		// their editors awaited before we close the socket.
		slog.Warn("protocol error reading commands", "error", err)
	}

	for _, req := range requests {
		s.handleOpen(req)
	}

	s.wg.Wait()
}

func (s *Session) writeGreeting() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := io.WriteString(s.conn, fmt.Sprintf("RMate Launcher %s\n", core.FormatVersion(core.Version)))
	return err
}

// handleOpen implements the OPEN_HANDLING branch of spec.md §4.5's state
// diagram for a single open command.
func (s *Session) handleOpen(req protocol.OpenRequest) {
	host := hostFromDisplayName(req.DisplayName)
	key := host + "\x00" + req.RealPath

	s.openMu.Lock()
	if _, busy := s.openKeys[key]; busy {
		s.openMu.Unlock()
		slog.Info("rejecting duplicate open for a file already being edited",
			"token", req.Token, "host", host, "path", req.RealPath)
		s.writeClose(req.Token)
		return
	}
	s.openKeys[key] = struct{}{}
	s.openMu.Unlock()

	release := func() {
		s.openMu.Lock()
		delete(s.openKeys, key)
		s.openMu.Unlock()
	}

	tempPath, err := s.store.CreateMirror(host, req.RealPath)
	if err != nil {
		slog.Error("failed to create mirror path", "token", req.Token, "host", host, "path", req.RealPath, "error", err)
		release()
		s.writeClose(req.Token)
		return
	}

	if err := s.store.WriteExclusive(tempPath, req.Data); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			slog.Info("rejecting duplicate open: mirror file already exists", "token", req.Token, "path", tempPath)
		} else {
			slog.Error("failed to write initial mirror contents", "token", req.Token, "path", tempPath, "error", err)
		}
		release()
		s.writeClose(req.Token)
		return
	}

	fs := &fileSession{
		token:      req.Token,
		tempPath:   tempPath,
		dataOnSave: req.DataOnSave,
	}

	if req.DataOnSave {
		w, err := watcher.New(tempPath, func() { s.onWatcherEvent(fs) })
		if err != nil {
			// WatcherError per spec.md §7: registration failure aborts the
			// open with a close, not a degraded no-watcher session.
			slog.Error("failed to start watcher; aborting open", "token", req.Token, "path", tempPath, "error", err)
			if pruneErr := s.store.Prune(tempPath); pruneErr != nil {
				slog.Warn("failed to prune mirror file after aborted open", "path", tempPath, "error", pruneErr)
			}
			release()
			s.writeClose(req.Token)
			return
		}
		fs.watcher = w
	}

	s.wg.Add(1)
	go s.runEditor(fs, release)
}

// runEditor runs EDITOR_RUNNING through DONE for one FileSession.
func (s *Session) runEditor(fs *fileSession, release func()) {
	defer s.wg.Done()

	if err := editor.RunBlocking(context.Background(), s.editorCommand, fs.tempPath); err != nil {
		// EditorSpawnError per spec.md §7: logged, but close is still owed.
		slog.Warn("failed to run editor", "token", fs.token, "path", fs.tempPath, "error", err)
	}

	if fs.watcher != nil {
		fs.watcher.Stop() // joins the watch goroutine before we emit close
	}

	s.writeClose(fs.token)

	if err := s.store.Prune(fs.tempPath); err != nil {
		slog.Warn("failed to prune mirror file", "path", fs.tempPath, "error", err)
	}

	release()
}

// onWatcherEvent is the watcher callback of spec.md §4.5: read, send,
// release. Errors are logged and suppressed so one bad read doesn't kill a
// live editing session.
func (s *Session) onWatcherEvent(fs *fileSession) {
	data, err := s.store.ReadAll(fs.tempPath)
	if err != nil {
		slog.Warn("failed to read mirror file after change notification", "token", fs.token, "path", fs.tempPath, "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteSave(s.conn, fs.token, data); err != nil {
		slog.Warn("failed to write save frame", "token", fs.token, "error", err)
	}
}

func (s *Session) writeClose(token string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteClose(s.conn, token); err != nil {
		slog.Warn("failed to write close frame", "token", token, "error", err)
	}
}

// hostFromDisplayName extracts the host component of a display-name of the
// form "host:label" (spec.md §3); a display-name without a colon is used
// verbatim as the host, since the format is only conventionally "host:...".
func hostFromDisplayName(displayName string) string {
	if idx := strings.IndexByte(displayName, ':'); idx >= 0 {
		return displayName[:idx]
	}
	return displayName
}
