package ptt

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStatic(t *testing.T) {
	if Static(false).Pressed() || !Static(true).Pressed() {
		t.Error("Static does not report its value")
	}
}

func TestParseScript(t *testing.T) {
	tests := []struct {
		in      string
		press   time.Duration
		idle    time.Duration
		wantErr bool
	}{
		{in: "2s:3s", press: 2 * time.Second, idle: 3 * time.Second},
		{in: "500ms:1s", press: 500 * time.Millisecond, idle: time.Second},
		{in: "2s", wantErr: true},
		{in: "x:1s", wantErr: true},
		{in: "1s:y", wantErr: true},
		{in: "0s:1s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			s, err := ParseScript(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (s.Press != tt.press || s.Idle != tt.idle) {
				t.Errorf("script = %v:%v", s.Press, s.Idle)
			}
		})
	}
}

func TestScript_Pressed(t *testing.T) {
	now := time.Unix(0, 0)
	s := NewScript(2*time.Second, 3*time.Second, func() time.Time { return now })

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, false},
		{2999 * time.Millisecond, false},
		{3 * time.Second, true},
		{4999 * time.Millisecond, true},
		{5 * time.Second, false},
		{8500 * time.Millisecond, true},
	}
	for _, st := range steps {
		now = time.Unix(0, 0).Add(st.at)
		if got := s.Pressed(); got != st.want {
			t.Errorf("at %v: Pressed = %v, want %v", st.at, got, st.want)
		}
	}
}

func TestKeyboard_Toggles(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })
	k := NewKeyboard(pr, nil)

	done := make(chan error, 1)
	go func() { done <- k.Run(t.Context()) }()

	write := func(s string) {
		if _, err := pw.Write([]byte(s)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitPressed := func(want bool) {
		deadline := time.Now().Add(time.Second)
		for k.Pressed() != want {
			if time.Now().After(deadline) {
				t.Fatalf("Pressed never became %v", want)
			}
			time.Sleep(time.Millisecond)
		}
	}

	write(" ")
	waitPressed(true)
	write("x\n")
	waitPressed(false)
	write("\r")
	waitPressed(true)
	write("q")

	select {
	case err := <-done:
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("Run = %v, want ErrInterrupted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return on q")
	}
	if k.Pressed() {
		t.Error("button still pressed after quit")
	}
}

func TestKeyboard_EOF(t *testing.T) {
	k := NewKeyboard(strings.NewReader(" "), nil)
	if err := k.Run(t.Context()); err != nil {
		t.Errorf("Run = %v, want nil at EOF", err)
	}
	if !k.Pressed() {
		t.Error("space before EOF should have pressed the button")
	}
}
