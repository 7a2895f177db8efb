package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/action"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/channel"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/leave"
	"github.com/mcdev12/planning-poker/go/internal/roomsync/roomstate"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeChannel records traffic and lets the test drive adapter events
type fakeChannel struct {
	mu         sync.Mutex
	listener   channel.Listener
	closed     bool
	actions    []action.Action
	heartbeats int
}

func (c *fakeChannel) Attach(ctx context.Context, l channel.Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, name string, data []byte) error { return nil }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) Dispatch(ctx context.Context, a action.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, a)
}

func (c *fakeChannel) Heartbeat(ctx context.Context, id roomstate.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats++
	return nil
}

func (c *fakeChannel) l() channel.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

func (c *fakeChannel) sent() []action.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]action.Action(nil), c.actions...)
}

type channels struct {
	mu  sync.Mutex
	all []*fakeChannel
}

func (f *channels) factory(roomstate.Identity) (channel.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{}
	f.all = append(f.all, ch)
	return ch, nil
}

func (f *channels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.all)
}

func (f *channels) get(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RoomID = 5
	cfg.UserID = "alice"
	cfg.Username = "Alice"
	return cfg
}

func newTestSession(t *testing.T, deps Deps) (*Session, *channels, *clockwork.FakeClock) {
	t.Helper()
	chans := &channels{}
	clock := clockwork.NewFakeClockAt(t0)
	deps.Channel = chans.factory
	deps.Clock = clock
	s, err := New(testConfig(), deps)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { s.End() })
	return s, chans, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", n, err)
	}
}

func startOpen(t *testing.T, s *Session, chans *channels, clock *clockwork.FakeClock) *fakeChannel {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := chans.get(0)
	ch.l().OnState(roomstate.StateOpen)
	// heartbeat ticker and health ticker
	waitTimers(t, clock, 2)
	return ch
}

func TestStartAttachesAndJoins(t *testing.T) {
	s, chans, _ := newTestSession(t, Deps{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if chans.count() != 1 {
		t.Fatalf("expected one channel, got %d", chans.count())
	}
	ch := chans.get(0)
	if ch.l() == nil {
		t.Fatalf("channel was not attached")
	}
	if got := s.Store().ConnectionState(); got != roomstate.StateConnecting {
		t.Fatalf("expected connecting before the adapter opens, got %s", got)
	}

	sent := ch.sent()
	if len(sent) != 1 || sent[0].Verb != action.VerbJoin {
		t.Fatalf("expected a join action, got %+v", sent)
	}
	data, _ := json.Marshal(sent[0])
	var wire map[string]interface{}
	json.Unmarshal(data, &wire)
	if wire["username"] != "Alice" || wire["roomId"] != float64(5) || wire["userId"] != "alice" {
		t.Fatalf("unexpected join payload %s", data)
	}

	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestFirstOpenActivatesHeartbeat(t *testing.T) {
	s, chans, clock := newTestSession(t, Deps{})
	ch := startOpen(t, s, chans, clock)

	snap := s.Store().Snapshot()
	if snap.ConnectedAt == nil || !snap.ConnectedAt.Equal(t0) {
		t.Fatalf("connectedAt not set to the open instant: %v", snap.ConnectedAt)
	}
	if !snap.LastPongReceived.Equal(t0) || !snap.LastHeartbeat.Equal(t0) {
		t.Fatalf("liveness clocks not reset on open: %+v", snap)
	}

	waitFor(t, "first heartbeat", func() bool { return ch.heartbeatCount() == 1 })

	for i := 0; i < 12; i++ {
		clock.Advance(time.Second)
	}
	waitFor(t, "second heartbeat at t=12s", func() bool { return ch.heartbeatCount() == 2 })
	waitFor(t, "heartbeat clock at t=12s", func() bool {
		return s.Store().LastHeartbeat().Equal(t0.Add(12 * time.Second))
	})
}

func TestStaleConnectionRebuildsChannel(t *testing.T) {
	warnings := make(chan time.Duration, 8)
	s, chans, clock := newTestSession(t, Deps{
		OnWarning: func(silence time.Duration) { warnings <- silence },
	})
	old := startOpen(t, s, chans, clock)
	old.l().OnPresenceSync([]roomstate.Member{{UserID: "bob"}})

	clock.Advance(15 * time.Second)
	clock.Advance(15 * time.Second)
	clock.Advance(15 * time.Second)
	select {
	case silence := <-warnings:
		if silence != 45*time.Second {
			t.Fatalf("expected warning at 45s of silence, got %s", silence)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no warning at t=45s")
	}
	if chans.count() != 1 {
		t.Fatalf("recovered before the stale threshold")
	}

	clock.Advance(15 * time.Second)
	select {
	case <-warnings:
	case <-time.After(2 * time.Second):
		t.Fatalf("no warning at t=60s")
	}

	clock.Advance(15 * time.Second)
	recoveredAt := t0.Add(75 * time.Second)
	waitFor(t, "channel rebuild", func() bool { return chans.count() == 2 })

	if !old.isClosed() {
		t.Fatalf("stale channel was not closed")
	}
	snap := s.Store().Snapshot()
	if snap.ConnectedAt != nil {
		t.Fatalf("connectedAt should be cleared until the new channel opens")
	}
	if !snap.LastPongReceived.Equal(recoveredAt) || !snap.LastHeartbeat.Equal(recoveredAt) {
		t.Fatalf("liveness clocks not reset to the recovery instant: %+v", snap)
	}
	if len(snap.Members) != 0 {
		t.Fatalf("roster should be rebuilt from the new channel, got %v", snap.Members)
	}

	// the stale listener is detached
	old.l().OnPong(t0.Add(80 * time.Second))
	old.l().OnPresence(roomstate.Member{UserID: "ghost"}, true)
	if got := s.Store().LastPongReceived(); !got.Equal(recoveredAt) {
		t.Fatalf("stale listener still writes pongs: %v", got)
	}
	if _, ok := s.Store().Snapshot().Members["ghost"]; ok {
		t.Fatalf("stale listener still writes presence")
	}

	fresh := chans.get(1)
	fresh.l().OnState(roomstate.StateOpen)
	fresh.l().OnPresenceSync([]roomstate.Member{{UserID: "bob"}, {UserID: "carol"}})
	waitTimers(t, clock, 2)

	at, ok := s.Store().ConnectedAt()
	if !ok || !at.Equal(recoveredAt) {
		t.Fatalf("new channel should set connectedAt, got %v %v", at, ok)
	}
	if diff := cmp.Diff([]string{"bob", "carol"}, memberIDs(s.Store().Members())); diff != "" {
		t.Fatalf("roster mismatch (-want +got):\n%s", diff)
	}
}

func memberIDs(members []roomstate.Member) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}

func TestClosedStateHaltsLoops(t *testing.T) {
	s, chans, clock := newTestSession(t, Deps{})
	ch := startOpen(t, s, chans, clock)
	waitFor(t, "first heartbeat", func() bool { return ch.heartbeatCount() == 1 })

	ch.l().OnState(roomstate.StateClosed)
	waitTimers(t, clock, 0)

	for i := 0; i < 6; i++ {
		clock.Advance(15 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	if got := ch.heartbeatCount(); got != 1 {
		t.Fatalf("heartbeat kept running while closed: %d sends", got)
	}
	if chans.count() != 1 {
		t.Fatalf("monitor kept running while closed")
	}

	ch.l().OnState(roomstate.StateOpen)
	waitTimers(t, clock, 2)
	waitFor(t, "heartbeat after reopen", func() bool { return ch.heartbeatCount() == 2 })
	if at, _ := s.Store().ConnectedAt(); !at.Equal(clock.Now()) {
		t.Fatalf("reopen should restart connectedAt, got %v", at)
	}
}

func TestEndStopsEverything(t *testing.T) {
	s, chans, clock := newTestSession(t, Deps{})
	ch := startOpen(t, s, chans, clock)
	waitFor(t, "first heartbeat", func() bool { return ch.heartbeatCount() == 1 })

	if err := s.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	waitTimers(t, clock, 0)
	if !ch.isClosed() {
		t.Fatalf("channel not closed on end")
	}
	if got := s.Store().ConnectionState(); got != roomstate.StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}

	for i := 0; i < 10; i++ {
		clock.Advance(15 * time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	if got := ch.heartbeatCount(); got != 1 {
		t.Fatalf("heartbeat fired after end: %d", got)
	}
	if chans.count() != 1 {
		t.Fatalf("recovery fired after end")
	}

	ch.l().OnState(roomstate.StateOpen)
	if _, ok := s.Store().ConnectedAt(); ok {
		t.Fatalf("events after end must be ignored")
	}
	if err := s.End(); err != nil {
		t.Fatalf("second end: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if err := s.Recover(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded from Recover, got %v", err)
	}
}

func TestLeaveDispatchesThenEnds(t *testing.T) {
	s, chans, _ := newTestSession(t, Deps{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch := chans.get(0)
	s.Vote(context.Background(), "8")

	if err := s.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	sent := ch.sent()
	verbs := make([]action.Verb, 0, len(sent))
	for _, a := range sent {
		verbs = append(verbs, a.Verb)
	}
	if diff := cmp.Diff([]action.Verb{action.VerbJoin, action.VerbVote, action.VerbLeave}, verbs); diff != "" {
		t.Fatalf("action sequence mismatch (-want +got):\n%s", diff)
	}
	if !ch.isClosed() {
		t.Fatalf("leave should end the session")
	}
	if err := s.Leave(context.Background()); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

type manualUnload struct {
	mu  sync.Mutex
	fns map[int]func()
	n   int
}

func (u *manualUnload) OnUnload(fn func()) func() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fns == nil {
		u.fns = make(map[int]func())
	}
	id := u.n
	u.n++
	u.fns[id] = fn
	return func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		delete(u.fns, id)
	}
}

func (u *manualUnload) fire() {
	u.mu.Lock()
	fns := make([]func(), 0, len(u.fns))
	for _, fn := range u.fns {
		fns = append(fns, fn)
	}
	u.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeBeacon struct {
	mu       sync.Mutex
	payloads []leave.Payload
}

func (b *fakeBeacon) Available() bool { return true }

func (b *fakeBeacon) SendBestEffort(endpoint string, payload []byte) bool {
	var p leave.Payload
	if endpoint != leave.DefaultEndpoint || json.Unmarshal(payload, &p) != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, p)
	return true
}

func TestUnloadPrefersBeacon(t *testing.T) {
	unload := &manualUnload{}
	beacon := &fakeBeacon{}
	s, chans, _ := newTestSession(t, Deps{Unload: unload, Beacon: beacon})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	unload.fire()
	unload.fire()

	if diff := cmp.Diff([]leave.Payload{{RoomID: 5, UserID: "alice"}}, beacon.payloads); diff != "" {
		t.Fatalf("beacon payloads mismatch (-want +got):\n%s", diff)
	}
	for _, a := range chans.get(0).sent() {
		if a.Verb == action.VerbLeave {
			t.Fatalf("fallback used although the beacon accepted the payload")
		}
	}
}

func TestUnloadFallsBackToChannel(t *testing.T) {
	unload := &manualUnload{}
	s, chans, _ := newTestSession(t, Deps{Unload: unload})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	unload.fire()
	sent := chans.get(0).sent()
	if last := sent[len(sent)-1]; last.Verb != action.VerbLeave || last.UserID != "alice" {
		t.Fatalf("expected leave through the channel, got %+v", sent)
	}
}

func TestEndUnregistersUnload(t *testing.T) {
	unload := &manualUnload{}
	beacon := &fakeBeacon{}
	s, _, _ := newTestSession(t, Deps{Unload: unload, Beacon: beacon})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	unload.fire()
	if len(beacon.payloads) != 0 {
		t.Fatalf("leave fired for a session that already ended")
	}
}

func TestExplicitHeartbeaterWins(t *testing.T) {
	var calls int
	hb := action.HeartbeaterFunc(func(ctx context.Context, id roomstate.Identity) error {
		calls++
		return nil
	})
	s, chans, _ := newTestSession(t, Deps{Heartbeater: hb})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Heartbeat(context.Background(), s.Identity()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if calls != 1 || chans.get(0).heartbeatCount() != 0 {
		t.Fatalf("heartbeat should go through the explicit heartbeater")
	}
}

func TestHeartbeatWithoutTransport(t *testing.T) {
	s, _, _ := newTestSession(t, Deps{})
	if err := s.Heartbeat(context.Background(), s.Identity()); !errors.Is(err, ErrNoHeartbeat) {
		t.Fatalf("expected ErrNoHeartbeat before a channel exists, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	chans := &channels{}

	cfg := testConfig()
	cfg.UserID = "  "
	if _, err := New(cfg, Deps{Channel: chans.factory}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}

	if _, err := New(testConfig(), Deps{}); err == nil {
		t.Fatalf("expected error without a channel factory")
	}

	cfg = testConfig()
	cfg.Health.StaleAfter = cfg.Health.WarnAfter - time.Second
	if _, err := New(cfg, Deps{Channel: chans.factory}); err == nil {
		t.Fatalf("expected error when stale threshold is below warning threshold")
	}
}
