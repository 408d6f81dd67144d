package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/a-essam23/go-wsuser/pkg/transport"
)

func TestRequestLoggerRecordsHandshakeIdentity(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var served bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { served = true })
	h := Chain(next, RequestMetadataMiddleware(), NewRequestLogger(logger))

	connID := transport.GenerateConnID()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol",
		strings.Join(transport.IdentityProtocols(connID, "user@example.com"), ", "))
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !served {
		t.Fatal("request never reached the handler")
	}
	line := buf.String()
	if !strings.Contains(line, "connID="+connID) {
		t.Errorf("log line missing connID: %s", line)
	}
	if !strings.Contains(line, "cachedIdentity=true") {
		t.Errorf("log line missing identity flag: %s", line)
	}
	if strings.Contains(line, "example.com") {
		t.Errorf("log line leaks the address: %s", line)
	}
}

func TestRequestLoggerAnonymousHandshake(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}),
		RequestMetadataMiddleware(), NewRequestLogger(logger))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Sec-WebSocket-Protocol", transport.ProtocolName)
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !strings.Contains(buf.String(), "cachedIdentity=false") {
		t.Errorf("anonymous handshake not flagged: %s", buf.String())
	}
}
