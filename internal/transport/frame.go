// Package transport maintains the broker connection: a STOMP subset spoken
// over a WebSocket, with a SockJS-style HTTP probe before the upgrade.
package transport

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// STOMP commands used by this client and the dev broker.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Frame is one STOMP frame: command, headers, optional body.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// Header returns a header value, or "" when absent.
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// Marshal renders the frame in wire format: command line, headers, blank
// line, body, NUL terminator. Headers are written in sorted order so frames
// are deterministic in tests.
func (f Frame) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(escapeHeader(k))
		buf.WriteByte(':')
		buf.WriteString(escapeHeader(f.Headers[k]))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ParseFrame decodes a single wire frame. Heart-beat frames (bare EOL) parse
// to an empty command; callers skip those.
func ParseFrame(data []byte) (Frame, error) {
	data = bytes.TrimRight(data, "\x00")
	if len(bytes.TrimSpace(data)) == 0 {
		return Frame{}, nil
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		head = data
	}

	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\n")
	frame := Frame{
		Command: strings.TrimRight(lines[0], "\r"),
		Headers: make(map[string]string, len(lines)-1),
	}
	if frame.Command == "" {
		return Frame{}, fmt.Errorf("frame has empty command")
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, fmt.Errorf("malformed header line %q", line)
		}
		key := unescapeHeader(k)
		// First occurrence wins, per the protocol.
		if _, exists := frame.Headers[key]; !exists {
			frame.Headers[key] = unescapeHeader(v)
		}
	}
	if len(body) > 0 {
		frame.Body = body
	}
	return frame, nil
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
