package server

import (
	"errors"
	"net"
	"strings"
	"testing"
)

// TestTCPConnSizeLimitCountsBufferedBytes tests that a frame arriving in the
// same write as a smaller one is still held to the size limit.
func TestTCPConnSizeLimitCountsBufferedBytes(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	conn := newTCPConn(srv, 1024)
	defer conn.Close()

	small := `{"kind":"list"}`
	large := `{"kind":"broadcast","senderName":"alice","text":"` + strings.Repeat("x", 1400) + `"}`
	go func() {
		_, _ = client.Write([]byte(small + "\n" + large + "\n"))
	}()

	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("First frame: unexpected error %v", err)
	}
	if string(frame) != small {
		t.Fatalf("First frame = %q, want %q", frame, small)
	}

	frame, err = conn.ReadFrame()
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("Second frame (%d bytes): expected errFrameTooLarge, got %v", len(frame), err)
	}
}

// TestTCPConnFrameAtLimit tests that a frame of exactly the maximum size is
// accepted.
func TestTCPConnFrameAtLimit(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	prefix := `{"kind":"list","pad":"`
	suffix := `"}`
	const limit = 128
	payload := prefix + strings.Repeat("p", limit-len(prefix)-len(suffix)) + suffix

	conn := newTCPConn(srv, limit)
	defer conn.Close()

	go func() {
		_, _ = client.Write([]byte(payload + "\n"))
	}()

	frame, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(frame) != limit {
		t.Fatalf("Frame length = %d, want %d", len(frame), limit)
	}
}
