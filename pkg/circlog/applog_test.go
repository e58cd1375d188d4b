package circlog

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestAppLogServeTailsAcrossOverflow(t *testing.T) {
	al, err := NewAppLog()
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()

	go al.Servicer()

	total := Capacity*3 + 17
	chunk := make([]byte, 4096)
	go func() {
		written := 0
		for written < total {
			n := len(chunk)
			if total-written < n {
				n = total - written
			}
			for i := 0; i < n; i++ {
				chunk[i] = byte((written + i) % 256)
			}
			al.Writer().Write(chunk[:n])
			written += n
		}
	}()

	// Give the servicer a moment to drain and overflow the ring before a
	// subscriber connects, exercising the lagging-cursor snap.
	time.Sleep(50 * time.Millisecond)

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go al.Serve(ctx, server)

	buf := make([]byte, Capacity)
	read := 0
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for read < len(buf) {
		n, err := client.Read(buf[read:])
		read += n
		if err != nil {
			t.Fatalf("read error after %d bytes: %v", read, err)
		}
	}

	want := make([]byte, Capacity)
	for i := range want {
		want[i] = byte((total - Capacity + i) % 256)
	}

	mismatches := 0
	for i := range want {
		if want[i] != buf[i] {
			mismatches++
		}
	}
	if mismatches > 0 {
		t.Fatalf("%d/%d bytes mismatched in tailed stream", mismatches, len(want))
	}
}
