package wsframe_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/MrWong99/pttlink/pkg/wsframe"
)

func TestConn_RoleMasking(t *testing.T) {
	tests := []struct {
		role   wsframe.Role
		masked bool
	}{
		{wsframe.RoleClient, true},
		{wsframe.RoleServer, false},
	}
	for _, tc := range tests {
		t.Run(tc.role.String(), func(t *testing.T) {
			sock := &memSocket{}
			c := wsframe.NewConn(sock, tc.role)
			if err := c.SendBinary([]byte("Apcm")); err != nil {
				t.Fatalf("SendBinary: %v", err)
			}
			frames := sock.frames()
			if len(frames) != 1 {
				t.Fatalf("frames = %d", len(frames))
			}
			if frames[0].Masked != tc.masked {
				t.Errorf("masked = %v, want %v", frames[0].Masked, tc.masked)
			}
			if string(frames[0].Payload) != "Apcm" || frames[0].Opcode != wsframe.OpBinary {
				t.Errorf("frame = %v %q", frames[0].Opcode, frames[0].Payload)
			}
		})
	}
}

func TestConn_ReceiveDataFrames(t *testing.T) {
	sock := &memSocket{}
	read := append(wsframe.EncodeFrame(wsframe.OpBinary, []byte("A\x01\x02"), false),
		wsframe.EncodeFrame(wsframe.OpText, []byte(`{"status":"ok"}`), false)...)
	sock.push(read)

	c := wsframe.NewConn(sock, wsframe.RoleClient)
	msgs, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Opcode != wsframe.OpBinary || string(msgs[0].Payload) != "A\x01\x02" {
		t.Errorf("msg0 = %v %q", msgs[0].Opcode, msgs[0].Payload)
	}
	if msgs[1].Opcode != wsframe.OpText {
		t.Errorf("msg1 opcode = %v", msgs[1].Opcode)
	}
}

func TestConn_ReceiveEmptyPoll(t *testing.T) {
	c := wsframe.NewConn(&memSocket{}, wsframe.RoleClient)
	msgs, err := c.Receive()
	if err != nil || len(msgs) != 0 {
		t.Errorf("got %v, %v", msgs, err)
	}
	if !c.Connected() {
		t.Error("empty poll disconnected the session")
	}
}

func TestConn_PingIsAnsweredWithPong(t *testing.T) {
	sock := &memSocket{}
	sock.push(wsframe.EncodeFrame(wsframe.OpPing, []byte("beat"), false))
	c := wsframe.NewConn(sock, wsframe.RoleClient)

	msgs, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("ping surfaced as data: %v", msgs)
	}
	frames := sock.frames()
	if len(frames) != 1 || frames[0].Opcode != wsframe.OpPong || string(frames[0].Payload) != "beat" {
		t.Fatalf("reply = %+v", frames)
	}
	if !frames[0].Masked {
		t.Error("client pong must be masked")
	}
}

func TestConn_CloseFrameDisconnects(t *testing.T) {
	sock := &memSocket{}
	read := append(wsframe.EncodeFrame(wsframe.OpBinary, []byte("Ax"), false),
		wsframe.EncodeFrame(wsframe.OpClose, nil, false)...)
	read = append(read, wsframe.EncodeFrame(wsframe.OpBinary, []byte("Ay"), false)...)
	sock.push(read)

	c := wsframe.NewConn(sock, wsframe.RoleClient)
	msgs, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "Ax" {
		t.Errorf("messages = %v", msgs)
	}
	if c.Connected() {
		t.Error("still connected after close frame")
	}
	if err := c.SendBinary([]byte("E")); !errors.Is(err, wsframe.ErrNotConnected) {
		t.Errorf("send after close: %v", err)
	}
	if _, err := c.Receive(); !errors.Is(err, wsframe.ErrNotConnected) {
		t.Errorf("receive after close: %v", err)
	}
}

func TestConn_MalformedInputIsDiscarded(t *testing.T) {
	sock := &memSocket{}
	good := wsframe.EncodeFrame(wsframe.OpBinary, []byte("Aok"), false)
	sock.push(
		append(append([]byte(nil), good...), 0x82, 0x7E, 0x01), // trailing truncated header
		[]byte{0x82, 0x10, 'A'},                                // declares 16 bytes, carries 1
		good,
	)
	c := wsframe.NewConn(sock, wsframe.RoleClient)

	var payloads []string
	for range 3 {
		msgs, err := c.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		for _, m := range msgs {
			payloads = append(payloads, string(m.Payload))
		}
	}
	if len(payloads) != 2 || payloads[0] != "Aok" || payloads[1] != "Aok" {
		t.Errorf("payloads = %q", payloads)
	}
	if !c.Connected() {
		t.Error("malformed input closed the session")
	}
}

func TestConn_PollErrorDisconnects(t *testing.T) {
	c := wsframe.NewConn(&memSocket{pollErr: errors.New("eof")}, wsframe.RoleClient)
	if _, err := c.Receive(); err == nil {
		t.Fatal("expected error")
	}
	if c.Connected() {
		t.Error("still connected after socket error")
	}
}

func TestConn_DialDeliversTrailingFrames(t *testing.T) {
	sock := &memSocket{}
	sock.push(append([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n"),
		wsframe.EncodeFrame(wsframe.OpBinary, []byte("E"), false)...))

	c, err := wsframe.Dial(t.Context(), sock, wsframe.HandshakeRequest{Host: "h"}, fastHandshake)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if c.Role() != wsframe.RoleClient || !c.Connected() {
		t.Fatalf("role=%v connected=%v", c.Role(), c.Connected())
	}
	msgs, err := c.Receive()
	if err != nil || len(msgs) != 1 || string(msgs[0].Payload) != "E" {
		t.Errorf("Receive = %v, %v", msgs, err)
	}
}

func TestConn_CloseSendsCloseFrame(t *testing.T) {
	sock := &memSocket{}
	c := wsframe.NewConn(sock, wsframe.RoleServer)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	frames := sock.frames()
	if len(frames) != 1 || frames[0].Opcode != wsframe.OpClose || frames[0].Masked {
		t.Errorf("frames = %+v", frames)
	}
	if !sock.closed {
		t.Error("socket not closed")
	}
}

// TestConn_OverTCP runs a client and a server Conn against each other over a
// loopback TCP connection.
func TestConn_OverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	type result struct {
		msg wsframe.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		// Consume the upgrade request and accept it.
		buf := make([]byte, 4096)
		if _, err := nc.Read(buf); err != nil {
			done <- result{err: err}
			return
		}
		if _, err := nc.Write([]byte("HTTP/1.1 101 Switching Protocols\r\n\r\n")); err != nil {
			done <- result{err: err}
			return
		}
		srv := wsframe.NewConn(wsframe.NewNetSocket(nc, 20*time.Millisecond), wsframe.RoleServer)
		defer srv.Close()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			msgs, err := srv.Receive()
			if err != nil {
				done <- result{err: err}
				return
			}
			if len(msgs) > 0 {
				_ = srv.SendBinary([]byte("Areply"))
				done <- result{msg: msgs[0]}
				return
			}
		}
		done <- result{err: errors.New("no message")}
	}()

	sock, err := wsframe.DialSocket(t.Context(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	c, err := wsframe.Dial(t.Context(), sock, wsframe.HandshakeRequest{Host: ln.Addr().String(), Path: "/"},
		wsframe.HandshakeConfig{Timeout: time.Second, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.SendBinary([]byte("Ahello")); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("server: %v", res.err)
	}
	if string(res.msg.Payload) != "Ahello" {
		t.Errorf("server got %q", res.msg.Payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := c.Receive()
		if err != nil {
			t.Fatalf("client Receive: %v", err)
		}
		if len(msgs) > 0 {
			if string(msgs[0].Payload) != "Areply" {
				t.Errorf("client got %q", msgs[0].Payload)
			}
			return
		}
	}
	t.Fatal("client never received reply")
}
