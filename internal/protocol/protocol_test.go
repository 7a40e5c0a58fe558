package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestReadCommandsBasicOpen(t *testing.T) {
	in := "open\ndisplay-name: h:/f.txt\nreal-path: /f.txt\ntoken: T1\ndata-on-save: yes\ndata: 5\nhello\n.\n"

	reqs, err := ReadCommands(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	r := reqs[0]
	if r.DisplayName != "h:/f.txt" || r.RealPath != "/f.txt" || r.Token != "T1" {
		t.Errorf("fields = %+v", r)
	}
	if !r.DataOnSave {
		t.Error("DataOnSave = false, want true")
	}
	if !r.HasData || string(r.Data) != "hello" {
		t.Errorf("Data = %q, want hello", r.Data)
	}
}

func TestReadCommandsNoData(t *testing.T) {
	in := "open\ndisplay-name: h:/f.txt\nreal-path: /f.txt\ntoken: T2\ndata-on-save: no\n\n.\n"

	reqs, err := ReadCommands(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if reqs[0].HasData {
		t.Error("HasData = true, want false")
	}
	if reqs[0].DataOnSave {
		t.Error("DataOnSave = true, want false")
	}
}

func TestReadCommandsUnknownThenOpen(t *testing.T) {
	in := "foo\nx: y\n\nopen\ndisplay-name: h:/f.txt\nreal-path: /f.txt\ntoken: T\n\n.\n"

	reqs, err := ReadCommands(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if len(reqs) != 1 || reqs[0].Token != "T" {
		t.Fatalf("reqs = %+v", reqs)
	}
}

func TestReadCommandsMissingMandatoryKey(t *testing.T) {
	in := "open\ndisplay-name: h:/f.txt\ntoken: T\n\n.\n"

	_, err := ReadCommands(strings.NewReader(in))
	if !errors.Is(err, ErrMalformedCommand) {
		t.Fatalf("err = %v, want ErrMalformedCommand", err)
	}
}

func TestReadCommandsMalformedNumber(t *testing.T) {
	in := "open\ndisplay-name: h\nreal-path: /f\ntoken: T\ndata: notanumber\nx\n.\n"

	_, err := ReadCommands(strings.NewReader(in))
	if !errors.Is(err, ErrMalformedNumber) {
		t.Fatalf("err = %v, want ErrMalformedNumber", err)
	}
}

func TestReadCommandsShortPayload(t *testing.T) {
	in := "open\ndisplay-name: h\nreal-path: /f\ntoken: T\ndata: 10\nabc\n"

	_, err := ReadCommands(strings.NewReader(in))
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("err = %v, want ErrShortPayload", err)
	}
}

func TestReadCommandsTruncatedMidCommand(t *testing.T) {
	in := "open\ndisplay-name: h\n"

	_, err := ReadCommands(strings.NewReader(in))
	if !errors.Is(err, ErrTruncatedStream) {
		t.Fatalf("err = %v, want ErrTruncatedStream", err)
	}
}

func TestReadCommandsEmptyData(t *testing.T) {
	in := "open\ndisplay-name: h\nreal-path: /f\ntoken: T\ndata: 0\n\n.\n"

	reqs, err := ReadCommands(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if len(reqs) != 1 || !reqs[0].HasData || len(reqs[0].Data) != 0 {
		t.Fatalf("reqs = %+v", reqs)
	}
}

func TestReadCommandsPayloadEndingInNewline(t *testing.T) {
	payload := "line1\nline2\n"
	in := "open\ndisplay-name: h\nreal-path: /f\ntoken: T\ndata: " + strconv.Itoa(len(payload)) + "\n" + payload + "\n.\n"

	reqs, err := ReadCommands(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if string(reqs[0].Data) != payload {
		t.Fatalf("Data = %q, want %q", reqs[0].Data, payload)
	}
}

func TestWriteSaveAndClose(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSave(&buf, "T1", []byte("hello!")); err != nil {
		t.Fatalf("WriteSave() error = %v", err)
	}
	want := "save\ntoken: T1\ndata: 6\nhello!\n"
	if buf.String() != want {
		t.Fatalf("WriteSave() = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	if err := WriteClose(&buf, "T1"); err != nil {
		t.Fatalf("WriteClose() error = %v", err)
	}
	if buf.String() != "close\ntoken: T1\n\n" {
		t.Fatalf("WriteClose() = %q", buf.String())
	}
}

func TestWriteSaveRoundTripsNewlineBytes(t *testing.T) {
	data := []byte("a\nb\n")
	var buf bytes.Buffer
	if err := WriteSave(&buf, "T9", data); err != nil {
		t.Fatalf("WriteSave() error = %v", err)
	}

	token, got := parseSaveFrame(t, buf.Bytes())
	if token != "T9" {
		t.Fatalf("token = %q, want T9", token)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("payload = %q, want %q", got, data)
	}
}

// parseSaveFrame is a minimal standalone parser for the save frame shape,
// independent of ReadCommands (which only understands `open`), used to
// assert the round-trip law of spec.md §8.
func parseSaveFrame(t *testing.T, frame []byte) (token string, data []byte) {
	t.Helper()
	s := string(frame)
	if !strings.HasPrefix(s, "save\n") {
		t.Fatalf("frame does not start with save: %q", s)
	}
	s = strings.TrimPrefix(s, "save\n")

	tokenLine, rest, ok := strings.Cut(s, "\n")
	if !ok || !strings.HasPrefix(tokenLine, "token: ") {
		t.Fatalf("missing token line: %q", s)
	}
	token = strings.TrimPrefix(tokenLine, "token: ")

	dataLine, payloadAndTrailer, ok := strings.Cut(rest, "\n")
	if !ok || !strings.HasPrefix(dataLine, "data: ") {
		t.Fatalf("missing data line: %q", rest)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(dataLine, "data: "))
	if err != nil {
		t.Fatalf("bad data length: %v", err)
	}
	if len(payloadAndTrailer) < n+1 {
		t.Fatalf("payload too short: have %d want %d+1", len(payloadAndTrailer), n)
	}
	return token, []byte(payloadAndTrailer[:n])
}
