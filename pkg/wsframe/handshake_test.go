package wsframe_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pttlink/pkg/wsframe"
)

var fastHandshake = wsframe.HandshakeConfig{Timeout: 50 * time.Millisecond, Interval: 5 * time.Millisecond}

func TestBuildUpgradeRequest(t *testing.T) {
	req := wsframe.HandshakeRequest{
		Host:          "api.openai.com",
		Path:          "/v1/realtime?model=gpt-4o-realtime-preview",
		Authorization: "Bearer sk-test",
		Headers:       []wsframe.Header{{Name: "OpenAI-Beta", Value: "realtime=v1"}},
	}
	got := string(wsframe.BuildUpgradeRequest(req, "dGhlIHNhbXBsZSBub25jZQ=="))

	for _, line := range []string{
		"GET /v1/realtime?model=gpt-4o-realtime-preview HTTP/1.1\r\n",
		"Host: api.openai.com\r\n",
		"Authorization: Bearer sk-test\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n",
		"Sec-WebSocket-Version: 13\r\n",
		"OpenAI-Beta: realtime=v1\r\n",
	} {
		if !strings.Contains(got, line) {
			t.Errorf("request missing %q", line)
		}
	}
	if !strings.HasPrefix(got, "GET ") || !strings.HasSuffix(got, "\r\n\r\n") {
		t.Errorf("malformed request:\n%s", got)
	}
}

func TestBuildUpgradeRequest_DefaultPath(t *testing.T) {
	got := string(wsframe.BuildUpgradeRequest(wsframe.HandshakeRequest{Host: "h"}, "k"))
	if !strings.HasPrefix(got, "GET / HTTP/1.1\r\n") || strings.Contains(got, "Authorization") {
		t.Errorf("request:\n%s", got)
	}
}

func TestGenerateKey(t *testing.T) {
	a, b := wsframe.GenerateKey(), wsframe.GenerateKey()
	if len(a) != 24 || a == b {
		t.Errorf("keys %q and %q", a, b)
	}
}

func TestAcceptKey(t *testing.T) {
	// RFC 6455 section 1.3 example.
	if got := wsframe.AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("AcceptKey = %q", got)
	}
}

func TestHandshake_Success(t *testing.T) {
	sock := &memSocket{}
	sock.push(
		nil,
		[]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"),
	)
	rest, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h", Path: "/ws"}, fastHandshake)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("leftover = %q", rest)
	}
	if len(sock.written) != 1 || !strings.HasPrefix(string(sock.written[0]), "GET /ws HTTP/1.1") {
		t.Errorf("written = %q", sock.written)
	}
}

func TestHandshake_ReturnsTrailingFrames(t *testing.T) {
	frame := wsframe.EncodeFrame(wsframe.OpBinary, []byte("Ahi"), false)
	sock := &memSocket{}
	sock.push(append([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n"), frame...))

	rest, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if string(rest) != string(frame) {
		t.Errorf("leftover = % x, want % x", rest, frame)
	}
}

func TestHandshake_WaitsForEndOfSplitHeaders(t *testing.T) {
	frame := wsframe.EncodeFrame(wsframe.OpBinary, []byte("Ahi"), false)
	sock := &memSocket{}
	sock.push(
		[]byte("HTTP/1.1 101 Switching Protocols\r\n"),
		nil,
		[]byte("x-request-id: 7f1c\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"),
		append([]byte("\r\n"), frame...),
	)

	rest, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if string(rest) != string(frame) {
		t.Errorf("leftover = %q, want only the trailing frame", rest)
	}
}

func TestHandshake_UnterminatedHeadersTimeOut(t *testing.T) {
	sock := &memSocket{}
	sock.push([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n"))

	rest, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if !errors.Is(err, wsframe.ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if rest != nil {
		t.Errorf("leftover = %q, want none", rest)
	}
}

func TestDial_SplitHeadersDoNotReachDecoder(t *testing.T) {
	sock := &memSocket{}
	sock.push(
		[]byte("HTTP/1.1 101 Switching Protocols\r\n"),
		[]byte("x-request-id: 7f1c\r\nUpgrade: websocket\r\n\r\n"),
	)
	conn, err := wsframe.Dial(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	msgs, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages = %d, want none", len(msgs))
	}
	if !conn.Connected() {
		t.Error("connection dropped after the handshake")
	}
}

func TestHandshake_NoResponseTimesOut(t *testing.T) {
	sock := &memSocket{}
	sock.push([]byte("HTTP/1.1 403 Forbidden\r\n\r\n"))

	start := time.Now()
	_, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if !errors.Is(err, wsframe.ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < fastHandshake.Timeout {
		t.Errorf("gave up after %v, before the %v timeout", elapsed, fastHandshake.Timeout)
	}
	if sock.polls < 2 {
		t.Errorf("polled %d times, want repeated polling", sock.polls)
	}
}

func TestHandshake_PollError(t *testing.T) {
	sock := &memSocket{pollErr: errors.New("reset by peer")}
	if _, err := wsframe.Handshake(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake); err == nil {
		t.Error("expected error")
	}
}

func TestDial_FailureLeavesNotConnected(t *testing.T) {
	sock := &memSocket{}
	conn, err := wsframe.Dial(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if conn != nil {
		t.Error("Dial returned a connection on failure")
	}
	if !sock.closed {
		t.Error("socket not closed after failed handshake")
	}
}
