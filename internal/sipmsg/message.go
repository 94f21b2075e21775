// Package sipmsg extracts what the call router needs from a raw SIP
// message — its class and its (AppId, CallId) — plus the request method
// and the raw From and To header values, without parsing the rest of
// the message. Full SIP parsing (other headers, SDP, routing sets) is
// explicitly out of scope for the router (spec.md §1) and lives outside
// this package entirely.
package sipmsg

import (
	"bufio"
	"strings"

	"github.com/nksip/callrouter/internal/callrouter"
)

// Message is a raw SIP message as received off the wire, tagged with
// the AppId of the application that owns the listening point it arrived
// on (the transport layer resolves AppId, not this package).
type Message struct {
	AppID string
	Raw   []byte

	// Parsed lazily by Classify; cached after first call.
	class  callrouter.Class
	callID string
	from   string
	to     string
	method string
	parsed bool
}

// New wraps raw bytes received for appID.
func New(appID string, raw []byte) *Message {
	return &Message{AppID: appID, Raw: raw}
}

// Classify implements callrouter.RawMessage. It parses just the start
// line and the handful of headers the router cares about.
func (m *Message) Classify() (callrouter.Class, callrouter.CallKey, error) {
	if !m.parsed {
		if err := m.parse(); err != nil {
			return 0, callrouter.CallKey{}, err
		}
	}
	if m.callID == "" {
		return 0, callrouter.CallKey{}, callrouter.ErrInvalidCall
	}
	return m.class, callrouter.CallKey{AppID: m.AppID, CallID: m.callID}, nil
}

// Method returns the request method, or "" for a response.
func (m *Message) Method() string {
	return m.method
}

// From returns the raw From header value, if present.
func (m *Message) From() string { return m.from }

// To returns the raw To header value, if present.
func (m *Message) To() string { return m.to }

func (m *Message) parse() error {
	scanner := bufio.NewScanner(strings.NewReader(string(m.Raw)))
	if !scanner.Scan() {
		return callrouter.ErrInvalidCall
	}
	startLine := scanner.Text()

	switch {
	case strings.HasPrefix(startLine, "SIP/2.0"):
		m.class = callrouter.ClassResponse
	case len(strings.Fields(startLine)) >= 3:
		m.class = callrouter.ClassRequest
		m.method = strings.Fields(startLine)[0]
	default:
		return callrouter.ErrInvalidCall
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // end of headers
		}
		name, value, ok := splitHeader(line)
		if !ok {
			continue
		}
		switch strings.ToLower(name) {
		case "call-id", "i":
			m.callID = value
		case "from", "f":
			m.from = value
		case "to", "t":
			m.to = value
		}
	}

	m.parsed = true
	return nil
}

func splitHeader(line string) (name, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}
