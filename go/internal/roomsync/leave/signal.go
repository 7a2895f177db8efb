package leave

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalUnload treats process termination signals as the unload event.
// Handlers run one after another in registration order on a single goroutine,
// so a shutdown hook registered after a leave handler always runs after it.
// Catching a signal here does not exit the process; the caller owns shutdown.
type SignalUnload struct {
	signals []os.Signal

	mu       sync.Mutex
	handlers []unloadHandler
	nextID   int
	ch       chan os.Signal
	stop     chan struct{}
}

type unloadHandler struct {
	id int
	fn func()
}

func NewSignalUnload(sigs ...os.Signal) *SignalUnload {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
	}
	return &SignalUnload{signals: sigs}
}

func (u *SignalUnload) OnUnload(fn func()) (remove func()) {
	u.mu.Lock()
	u.nextID++
	id := u.nextID
	u.handlers = append(u.handlers, unloadHandler{id: id, fn: fn})
	if u.ch == nil {
		u.ch = make(chan os.Signal, 1)
		u.stop = make(chan struct{})
		signal.Notify(u.ch, u.signals...)
		go u.wait(u.ch, u.stop)
	}
	u.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { u.remove(id) })
	}
}

func (u *SignalUnload) remove(id int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, h := range u.handlers {
		if h.id == id {
			u.handlers = append(u.handlers[:i:i], u.handlers[i+1:]...)
			break
		}
	}
	if len(u.handlers) == 0 && u.ch != nil {
		u.release()
	}
}

// release stops signal delivery; u.mu must be held
func (u *SignalUnload) release() {
	signal.Stop(u.ch)
	close(u.stop)
	u.ch, u.stop = nil, nil
}

func (u *SignalUnload) wait(ch chan os.Signal, stop chan struct{}) {
	select {
	case <-stop:
		return
	case <-ch:
	}

	u.mu.Lock()
	handlers := append([]unloadHandler(nil), u.handlers...)
	u.handlers = nil
	if u.ch == ch {
		u.release()
	}
	u.mu.Unlock()

	for _, h := range handlers {
		h.fn()
	}
}
