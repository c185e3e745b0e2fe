package mcpserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageBytes bounds one inbound message in either framing.
const maxMessageBytes = 4 << 20

var errMessageTooLarge = errors.New("message exceeds size limit")

// readMessage reads one JSON-RPC message. Clients may send either
// Content-Length framed messages or newline delimited JSON; the second
// return value reports the latter.
func readMessage(r *bufio.Reader) ([]byte, bool, error) {
	// Blank lines between messages are tolerated in both framings. A last
	// line without a newline is still read.
	var line string
	for strings.TrimSpace(line) == "" {
		next, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || strings.TrimSpace(next) == "") {
			return nil, false, err
		}
		line = next
	}

	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		payload, err := readJSONLine(r, line)
		return payload, true, err
	}

	contentLength, err := readHeaders(r, line)
	if err != nil {
		return nil, false, err
	}
	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, false, err
	}
	return payload, false, nil
}

// readHeaders consumes the header block starting at first and returns the
// declared Content-Length.
func readHeaders(r *bufio.Reader, first string) (int, error) {
	contentLength := -1
	line := first
	for {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		if key, value, ok := strings.Cut(trimmed, ":"); ok && strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return 0, fmt.Errorf("invalid Content-Length: %w", err)
			}
			if parsed < 0 || parsed > maxMessageBytes {
				return 0, fmt.Errorf("content length %d: %w", parsed, errMessageTooLarge)
			}
			contentLength = parsed
		}

		var err error
		if line, err = r.ReadString('\n'); err != nil {
			return 0, err
		}
	}
	if contentLength < 0 {
		return 0, fmt.Errorf("missing Content-Length header")
	}
	return contentLength, nil
}

// readJSONLine accumulates lines until they form one valid JSON value.
func readJSONLine(r *bufio.Reader, first string) ([]byte, error) {
	buf := bytes.NewBufferString(first)
	for {
		candidate := bytes.TrimSpace(buf.Bytes())
		if json.Valid(candidate) {
			return candidate, nil
		}
		if buf.Len() > maxMessageBytes {
			return nil, errMessageTooLarge
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)
	}
}

func writeFramedMessage(w *bufio.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeJSONLineMessage(w *bufio.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}
