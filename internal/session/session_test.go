package session

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/danielpgross/rmate-launcher/internal/store"
)

// openCommand builds a minimal open command with an inline data block.
func openCommand(token, displayName, realPath, body string, dataOnSave bool) string {
	onSave := "no"
	if dataOnSave {
		onSave = "yes"
	}
	var b strings.Builder
	b.WriteString("open\n")
	fmt.Fprintf(&b, "display-name: %s\n", displayName)
	fmt.Fprintf(&b, "real-path: %s\n", realPath)
	fmt.Fprintf(&b, "data-on-save: %s\n", onSave)
	fmt.Fprintf(&b, "token: %s\n", token)
	b.WriteString("selection: \n")
	b.WriteString("file-type: \n")
	fmt.Fprintf(&b, "data: %d\n", len(body))
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

func newTestSession(t *testing.T, editorCommand string) (*Session, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	st := store.New(t.TempDir())
	if err := st.InitBase(); err != nil {
		t.Fatal(err)
	}
	return New(serverConn, st, editorCommand), clientConn
}

func readGreeting(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if !strings.HasPrefix(line, "RMate Launcher ") {
		t.Fatalf("greeting = %q, want RMate Launcher prefix", line)
	}
	return line
}

// readCloseCommand reads the fixed three-line shape WriteClose emits:
// "close", "token: <token>", and a trailing blank line.
func readCloseCommand(t *testing.T, br *bufio.Reader) []string {
	t.Helper()
	var lines []string
	for i := 0; i < 3; i++ {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("readCloseCommand: %v (got so far: %q)", err, lines)
		}
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	return lines
}

func TestHandleWritesGreetingThenReturnsOnEmptyStream(t *testing.T) {
	sess, client := newTestSession(t, "true")
	client.SetDeadline(time.Now().Add(5 * time.Second))

	done := make(chan struct{})
	go func() { sess.Handle(); close(done) }()

	br := bufio.NewReader(client)
	readGreeting(t, br)

	client.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle() did not return after the client closed with no commands")
	}
}

func TestHandleEchoesCloseForAnEditorThatExitsImmediately(t *testing.T) {
	sess, client := newTestSession(t, "true")
	client.SetDeadline(time.Now().Add(5 * time.Second))

	done := make(chan struct{})
	go func() { sess.Handle(); close(done) }()

	br := bufio.NewReader(client)
	readGreeting(t, br)

	cmd := openCommand("token-1", "host:/f.txt", "/tmp/f.txt", "hello", false)
	fmt.Fprintf(client, "%s.\n", cmd)

	block := readCloseCommand(t, br)
	if block[0] != "close" {
		t.Fatalf("block = %v, want a close command", block)
	}
	if block[1] != "token: token-1" {
		t.Fatalf("block[1] = %q, want token line for token-1", block[1])
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle() did not return after its one editor exited")
	}
}

func TestHandleRejectsDuplicateOpenWhileEditorStillRunning(t *testing.T) {
	// The first editor sleeps for a second ("#" comments out the appended
	// path), so it is still running when the duplicate arrives; the session
	// should close the second open immediately without waiting for it.
	sess, client := newTestSession(t, "sleep 1 #")
	client.SetDeadline(time.Now().Add(5 * time.Second))

	done := make(chan struct{})
	go func() { sess.Handle(); close(done) }()

	br := bufio.NewReader(client)
	readGreeting(t, br)

	first := openCommand("token-a", "host:/f.txt", "/tmp/dup.txt", "hello", false)
	second := openCommand("token-b", "host:/f.txt", "/tmp/dup.txt", "hello again", false)
	fmt.Fprintf(client, "%s%s.\n", first, second)

	block := readCloseCommand(t, br)
	if block[0] != "close" {
		t.Fatalf("block = %v, want a close command for the duplicate open", block)
	}
	if block[1] != "token: token-b" {
		t.Fatalf("block[1] = %q, want token line for the duplicate (token-b)", block[1])
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle() did not return after the client disconnected")
	}
}

func TestHandleDrainsInFlightEditorBeforeReturning(t *testing.T) {
	dir := t.TempDir()
	flagPath := dir + "/started"
	sess, client := newTestSession(t, "touch "+flagPath+"; true #")
	client.SetDeadline(time.Now().Add(5 * time.Second))

	done := make(chan struct{})
	go func() { sess.Handle(); close(done) }()

	br := bufio.NewReader(client)
	readGreeting(t, br)

	fmt.Fprintf(client, "%s.\n", openCommand("token-1", "host:/f.txt", "/tmp/drain.txt", "x", false))

	readCloseCommand(t, br) // close for the editor, written only after it has run

	if _, err := os.Stat(flagPath); err != nil {
		t.Fatalf("expected editor side effect to exist before close was written: %v", err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Handle() did not return")
	}
}

func TestHostFromDisplayName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"myhost:/a/b.txt", "myhost"},
		{"just-a-label", "just-a-label"},
		{"", ""},
	}
	for _, c := range cases {
		if got := hostFromDisplayName(c.in); got != c.want {
			t.Errorf("hostFromDisplayName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
