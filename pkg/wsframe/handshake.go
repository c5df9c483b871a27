package wsframe

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrHandshakeTimeout is returned when the peer does not answer the upgrade
// request with a 101 response in time.
var ErrHandshakeTimeout = errors.New("wsframe: handshake timed out")

// acceptGUID is the fixed GUID from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxPreamble bounds how much of the response is buffered while waiting for
// the status line and the end of the headers.
const maxPreamble = 4096

// Header is a single extra request header.
type Header struct {
	Name  string
	Value string
}

// HandshakeRequest describes the HTTP/1.1 upgrade request.
type HandshakeRequest struct {
	Host string
	Path string

	// Authorization is sent verbatim as the Authorization header when set,
	// e.g. "Bearer sk-...".
	Authorization string

	Headers []Header
}

// HandshakeConfig bounds the wait for the upgrade response.
type HandshakeConfig struct {
	// Timeout is the total wait. Default: 2s.
	Timeout time.Duration

	// Interval is the polling period. Default: 100ms.
	Interval time.Duration
}

func (c HandshakeConfig) withDefaults() HandshakeConfig {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	return c
}

// GenerateKey returns a random base64-encoded 16-byte Sec-WebSocket-Key.
func GenerateKey() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("wsframe: crypto/rand: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(b[:])
}

// AcceptKey computes the Sec-WebSocket-Accept value a server must return for
// key.
func AcceptKey(key string) string {
	h := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// BuildUpgradeRequest renders the upgrade request for req using key.
func BuildUpgradeRequest(req HandshakeRequest, key string) []byte {
	path := req.Path
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	if req.Authorization != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", req.Authorization)
	}
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	for _, h := range req.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Handshake sends the upgrade request over sock and polls for a response
// containing "101". The check is deliberately loose: the status line is not
// parsed and Sec-WebSocket-Accept is not verified. Once "101" is seen the
// header block is consumed up to its terminating blank line, and the bytes
// after it are returned so the caller can decode them as frames. A header
// block that does not end before the timeout fails the handshake.
func Handshake(ctx context.Context, sock Socket, req HandshakeRequest, cfg HandshakeConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if _, err := sock.Write(BuildUpgradeRequest(req, GenerateKey())); err != nil {
		return nil, fmt.Errorf("wsframe: send upgrade request: %w", err)
	}

	deadline := time.Now().Add(cfg.Timeout)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var (
		resp     []byte
		upgraded bool
		buf      = make([]byte, maxPreamble)
	)
	for {
		n, err := sock.Poll(buf)
		if err != nil {
			return nil, fmt.Errorf("wsframe: read upgrade response: %w", err)
		}
		resp = append(resp, buf[:n]...)

		if !upgraded {
			upgraded = bytes.Contains(resp, []byte("101"))
		}
		if upgraded {
			if i := bytes.Index(resp, []byte("\r\n\r\n")); i >= 0 {
				return resp[i+4:], nil
			}
			if len(resp) > maxPreamble {
				return nil, fmt.Errorf("wsframe: upgrade response headers exceed %d bytes", maxPreamble)
			}
		} else if len(resp) > maxPreamble {
			resp = resp[len(resp)-maxPreamble:]
		}

		if !time.Now().Before(deadline) {
			if upgraded {
				return nil, fmt.Errorf("%w: incomplete response headers", ErrHandshakeTimeout)
			}
			return nil, ErrHandshakeTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
