// Package protocol implements the wire codec for the rmate remote-editing
// protocol: a line-oriented text format with a single optional binary
// payload per command.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

// Parse errors, per spec.md §4.1.
var (
	ErrMalformedCommand = errors.New("protocol: malformed command")
	ErrTruncatedStream  = errors.New("protocol: truncated stream")
	ErrMalformedNumber  = errors.New("protocol: malformed data length")
	ErrShortPayload     = errors.New("protocol: short payload")
)

// OpenRequest is one `open` command parsed off the wire, per spec.md §3.
type OpenRequest struct {
	DisplayName string
	RealPath    string
	Token       string
	DataOnSave  bool
	ReActivate  bool
	Selection   string
	FileType    string
	Data        []byte
	HasData     bool
}

// ReadCommands reads commands from r until a line equal to "." or EOF,
// returning the OpenRequests parsed along the way. Unknown command names
// are logged and skipped. A protocol error aborts the read and is returned
// alongside whatever OpenRequests were already parsed, so the caller can
// still act on the requests that came before the broken frame.
func ReadCommands(r io.Reader) ([]OpenRequest, error) {
	br := bufio.NewReader(r)
	var requests []OpenRequest

	for {
		line, err := readLine(br)
		if err != nil {
			if err == io.EOF {
				return requests, nil
			}
			return requests, err
		}

		if line == "" {
			continue // blank line between commands
		}
		if line == "." {
			return requests, nil
		}

		switch line {
		case "open":
			req, err := readOpen(br)
			if err != nil {
				return requests, err
			}
			requests = append(requests, req)
		default:
			slog.Info("skipping unknown command", "command", line)
			if err := skipHeader(br); err != nil {
				return requests, err
			}
		}
	}
}

// readOpen consumes the header/data block of an `open` command, starting
// right after the "open\n" line has already been consumed.
func readOpen(br *bufio.Reader) (OpenRequest, error) {
	var req OpenRequest
	var haveDisplay, haveReal, haveToken bool

	for {
		line, err := readLine(br)
		if err != nil {
			if err == io.EOF {
				return OpenRequest{}, fmt.Errorf("%w: open command cut off", ErrTruncatedStream)
			}
			return OpenRequest{}, err
		}

		if line == "" {
			break // blank line terminates a command with no data
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}

		switch key {
		case "display-name":
			req.DisplayName = value
			haveDisplay = true
		case "real-path":
			req.RealPath = value
			haveReal = true
		case "token":
			req.Token = value
			haveToken = true
		case "data-on-save":
			req.DataOnSave = value == "yes"
		case "re-activate":
			req.ReActivate = value == "yes"
		case "selection":
			req.Selection = value
		case "file-type":
			req.FileType = value
		case "data":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return OpenRequest{}, fmt.Errorf("%w: %q", ErrMalformedNumber, value)
			}
			payload := make([]byte, n)
			if n > 0 {
				if _, err := io.ReadFull(br, payload); err != nil {
					return OpenRequest{}, fmt.Errorf("%w: wanted %d bytes: %v", ErrShortPayload, n, err)
				}
			}
			// Consume the trailing newline after the payload.
			if _, err := br.ReadByte(); err != nil {
				return OpenRequest{}, fmt.Errorf("%w: missing trailing newline after payload", ErrShortPayload)
			}
			req.Data = payload
			req.HasData = true
			// data is always the last key; its trailing newline already
			// ended the command.
			return finishOpen(req, haveDisplay, haveReal, haveToken)
		}
	}

	return finishOpen(req, haveDisplay, haveReal, haveToken)
}

func finishOpen(req OpenRequest, haveDisplay, haveReal, haveToken bool) (OpenRequest, error) {
	if !haveDisplay || !haveReal || !haveToken {
		return OpenRequest{}, fmt.Errorf("%w: open missing display-name/real-path/token", ErrMalformedCommand)
	}
	return req, nil
}

// skipHeader consumes an unknown command's header block, up to the next
// blank line, without interpreting its keys.
func skipHeader(br *bufio.Reader) error {
	for {
		line, err := readLine(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if line == "" {
			return nil
		}
	}
}

// readLine reads one line, trimmed of its trailing "\n". Returns io.EOF only
// when nothing at all was read.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		if err == io.EOF {
			return strings.TrimSuffix(line, "\n"), nil
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// WriteSave emits a `save` command for token, carrying data as its payload.
func WriteSave(w io.Writer, token string, data []byte) error {
	_, err := fmt.Fprintf(w, "save\ntoken: %s\ndata: %d\n%s\n", token, len(data), data)
	return err
}

// WriteClose emits a `close` command for token.
func WriteClose(w io.Writer, token string) error {
	_, err := fmt.Fprintf(w, "close\ntoken: %s\n\n", token)
	return err
}
