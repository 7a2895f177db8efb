//go:build unix

package leave

import (
	"os"
	"syscall"
	"testing"
	"time"
)

func TestSignalUnloadFiresOnSignal(t *testing.T) {
	src := NewSignalUnload(syscall.SIGUSR1)
	fired := make(chan struct{}, 1)
	remove := src.OnUnload(func() { fired <- struct{}{} })
	defer remove()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("unload handler did not run")
	}
}

func TestSignalUnloadRemoveIsIdempotent(t *testing.T) {
	src := NewSignalUnload(syscall.SIGUSR2)
	remove := src.OnUnload(func() { t.Errorf("handler must not run after remove") })
	remove()
	remove()
}

func TestSignalUnloadRunsHandlersInOrder(t *testing.T) {
	src := NewSignalUnload(syscall.SIGWINCH)
	var order []string
	done := make(chan struct{})
	src.OnUnload(func() { order = append(order, "leave") })
	src.OnUnload(func() {
		order = append(order, "shutdown")
		close(done)
	})

	if err := syscall.Kill(os.Getpid(), syscall.SIGWINCH); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handlers did not run")
	}
	if len(order) != 2 || order[0] != "leave" || order[1] != "shutdown" {
		t.Fatalf("unexpected handler order %v", order)
	}
}
