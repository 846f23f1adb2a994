package portalloc

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"
)

// listenOn grabs a specific loopback port for the duration of a test,
// or skips the test if the port is unavailable on this machine.
func listenOn(t *testing.T, port int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Skipf("port %d not available on this machine: %v", port, err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// freeRange finds a base port with several consecutive free ports by
// letting the OS pick an ephemeral port and probing upward from it.
func freeRange(t *testing.T, width int) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	base := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	for i := 0; i < width; i++ {
		probe, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
		if err != nil {
			t.Skipf("could not reserve %d consecutive ports from %d", width, base)
		}
		probe.Close()
	}
	return base
}

func TestAllocate_ReturnsBindablePort(t *testing.T) {
	base := freeRange(t, 3)
	a := New()

	port, err := a.Allocate(context.Background(), base, base+2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port < base || port > base+2 {
		t.Errorf("Allocated port %d outside requested range [%d, %d]", port, base, base+2)
	}

	// The returned port must be bindable by an independent listener.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Errorf("Allocated port %d is not bindable: %v", port, err)
	} else {
		ln.Close()
	}
}

func TestAllocate_SkipsOccupiedPort(t *testing.T) {
	base := freeRange(t, 3)
	listenOn(t, base)

	a := New()
	port, err := a.Allocate(context.Background(), base, base+2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port == base {
		t.Errorf("Allocate returned occupied port %d", base)
	}
}

func TestAllocate_RollsOverIntoNextRange(t *testing.T) {
	base := freeRange(t, 4)

	// Occupy the entire requested range so the allocator must roll over.
	listenOn(t, base)
	listenOn(t, base+1)

	a := New()
	port, err := a.Allocate(context.Background(), base, base+1)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if port <= base+1 {
		t.Errorf("Expected a port beyond the exhausted range [%d, %d], got %d", base, base+1, port)
	}
}

func TestAllocate_InvalidRange(t *testing.T) {
	a := New()

	if _, err := a.Allocate(context.Background(), 9000, 8000); err == nil {
		t.Error("Expected error for inverted range")
	}
	if _, err := a.Allocate(context.Background(), 0, 100); err == nil {
		t.Error("Expected error for start below 1")
	}
}

func TestAllocate_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New()
	if _, err := a.Allocate(ctx, 8000, 8100); err == nil {
		t.Error("Expected error when context is already canceled")
	}
}

func TestAllocate_StopsAtPortSpaceEnd(t *testing.T) {
	// Start near the very top of the port space; if nothing is free
	// there the search must terminate with ErrPortSpaceExhausted
	// rather than loop forever.
	a := New(WithProbeTimeout(50 * time.Millisecond))

	port, err := a.Allocate(context.Background(), 65534, 65535)
	if err != nil {
		if err != ErrPortSpaceExhausted {
			t.Errorf("Expected ErrPortSpaceExhausted, got: %v", err)
		}
		return
	}
	if port < 65534 || port > 65535 {
		t.Errorf("Allocated port %d outside terminal range", port)
	}
}
