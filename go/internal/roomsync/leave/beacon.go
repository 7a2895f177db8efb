package leave

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/mcdev12/planning-poker/go/clients"
	"github.com/rs/zerolog/log"
)

// HTTPBeacon posts payloads fire-and-forget. Sends are detached from the
// caller so they keep running while the session tears down; Flush lets the
// process wait for them before exiting.
type HTTPBeacon struct {
	client  *clients.BaseClient
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHTTPBeacon(client *clients.BaseClient) *HTTPBeacon {
	return &HTTPBeacon{client: client, timeout: 3 * time.Second}
}

// Available reports whether the beacon has somewhere to send to and has not been flushed
func (b *HTTPBeacon) Available() bool {
	if b == nil || b.client == nil || b.client.BaseURL() == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *HTTPBeacon) SendBestEffort(endpoint string, payload []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	body := append([]byte(nil), payload...)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if _, err := b.client.Post(ctx, endpoint, bytes.NewReader(body)); err != nil {
			log.Debug().Err(err).Str("endpoint", endpoint).Msg("beacon delivery failed")
		}
	}()
	return true
}

// Flush stops accepting new payloads and waits for queued ones or ctx
func (b *HTTPBeacon) Flush(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
