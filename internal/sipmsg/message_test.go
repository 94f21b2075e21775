package sipmsg

import (
	"testing"

	"github.com/nksip/callrouter/internal/callrouter"
)

func TestClassifyRequest(t *testing.T) {
	raw := []byte("INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Call-ID: abc123\r\n" +
		"From: <sip:alice@example.com>\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"\r\n")
	msg := New("app1", raw)

	class, key, err := msg.Classify()
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != callrouter.ClassRequest {
		t.Fatalf("expected ClassRequest, got %v", class)
	}
	if key != (callrouter.CallKey{AppID: "app1", CallID: "abc123"}) {
		t.Fatalf("unexpected call key: %+v", key)
	}
	if msg.Method() != "INVITE" {
		t.Fatalf("expected method INVITE, got %q", msg.Method())
	}
}

func TestClassifyResponse(t *testing.T) {
	raw := []byte("SIP/2.0 200 OK\r\n" +
		"Call-ID: abc123\r\n" +
		"\r\n")
	msg := New("app1", raw)

	class, key, err := msg.Classify()
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != callrouter.ClassResponse {
		t.Fatalf("expected ClassResponse, got %v", class)
	}
	if key.CallID != "abc123" {
		t.Fatalf("expected call id abc123, got %q", key.CallID)
	}
}

func TestClassifyUsesCompactCallIDHeader(t *testing.T) {
	raw := []byte("BYE sip:bob@example.com SIP/2.0\r\n" +
		"i: compact-call-id\r\n" +
		"\r\n")
	msg := New("app1", raw)

	_, key, err := msg.Classify()
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if key.CallID != "compact-call-id" {
		t.Fatalf("expected compact-call-id, got %q", key.CallID)
	}
}

func TestClassifyMissingCallIDIsInvalid(t *testing.T) {
	raw := []byte("INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	msg := New("app1", raw)

	_, _, err := msg.Classify()
	if err != callrouter.ErrInvalidCall {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}

func TestClassifyEmptyMessageIsInvalid(t *testing.T) {
	msg := New("app1", []byte(""))
	_, _, err := msg.Classify()
	if err != callrouter.ErrInvalidCall {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	raw := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc123\r\n\r\n")
	msg := New("app1", raw)

	_, key1, err1 := msg.Classify()
	_, key2, err2 := msg.Classify()
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if key1 != key2 {
		t.Fatalf("expected repeated Classify calls to agree: %+v vs %+v", key1, key2)
	}
}

func TestFromAndTo(t *testing.T) {
	raw := []byte("INVITE sip:bob@example.com SIP/2.0\r\n" +
		"Call-ID: abc123\r\n" +
		"From: <sip:alice@example.com>;tag=1\r\n" +
		"To: <sip:bob@example.com>\r\n" +
		"\r\n")
	msg := New("app1", raw)
	if _, _, err := msg.Classify(); err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if msg.From() != "<sip:alice@example.com>;tag=1" {
		t.Fatalf("unexpected From: %q", msg.From())
	}
	if msg.To() != "<sip:bob@example.com>" {
		t.Fatalf("unexpected To: %q", msg.To())
	}
}
