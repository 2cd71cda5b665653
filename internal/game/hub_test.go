package game

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records writes. A gated conn blocks every write until the gate
// opens or the conn is closed.
type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	closed  bool
	closing chan struct{}
	gate    chan struct{}
}

func newFakeConn(gated bool) *fakeConn {
	c := &fakeConn{closing: make(chan struct{})}
	if gated {
		c.gate = make(chan struct{})
	}
	return c
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closing:
			return errors.New("use of closed connection")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.msgs = append(c.msgs, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closing)
	}
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
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

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func TestNewHub(t *testing.T) {
	hub := NewHub()

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.clients == nil {
		t.Error("Hub clients map is nil")
	}
	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}
	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}
	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
	if hub.done == nil {
		t.Error("Hub done channel is nil")
	}
}

func TestHub_GetClientCount(t *testing.T) {
	hub := NewHub()

	if count := hub.GetClientCount(); count != 0 {
		t.Errorf("GetClientCount() = %v, want 0", count)
	}
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub()

	hub.Publish(context.Background(), Event{Type: EVENT_ROUND_TICK, Data: RoundTickData{RoundID: "r1", Multiplier: dec("1.50")}})

	select {
	case msg := <-hub.broadcast:
		if len(msg.data) == 0 {
			t.Error("Publish() queued an empty message")
		}
		if !msg.tick {
			t.Error("Publish() did not mark a round:tick as droppable")
		}
	default:
		t.Error("Publish() did not queue the event")
	}
}

func TestHub_TickDroppedWhenFull(t *testing.T) {
	hub := NewHub()

	// hub not running, so the channel fills up
	for i := 0; i < HUB_BUFFER_SIZE; i++ {
		hub.Relay([]byte(`{"type":"round:tick"}`))
	}

	done := make(chan bool, 1)
	go func() {
		hub.Publish(context.Background(), Event{Type: EVENT_ROUND_TICK})
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Publish() blocked on a tick when channel was full")
	}
}

func TestHub_RoundEventWaitsForRoom(t *testing.T) {
	hub := NewHub()
	for i := 0; i < HUB_BUFFER_SIZE; i++ {
		hub.Relay([]byte(`{"type":"round:tick"}`))
	}

	done := make(chan bool, 1)
	go func() {
		hub.Publish(context.Background(), Event{Type: EVENT_ROUND_CRASH})
		done <- true
	}()

	select {
	case <-done:
		t.Fatal("Publish() dropped a round:crash on a full channel")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish() still blocked after the hub started draining")
	}
}

func TestHub_PreservesPublishOrder(t *testing.T) {
	hub, _ := runHub(t)
	conn := newFakeConn(false)
	hub.add(newClient(conn, "u1", CLIENT_BUFFER_SIZE))

	const events = 200
	for i := 0; i < events; i++ {
		hub.Publish(context.Background(), Event{Type: EVENT_ROUND_TICK, Data: i})
	}

	waitFor(t, "every event to be written", func() bool { return len(conn.messages()) == events })

	for i, raw := range conn.messages() {
		var e struct {
			Type string `json:"type"`
			Data int    `json:"data"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if e.Data != i {
			t.Fatalf("message %d carries sequence %d, events arrived out of order", i, e.Data)
		}
	}
}

func TestClient_Enqueue(t *testing.T) {
	// no writer runs, so the queue only fills
	client := newClient(newFakeConn(false), "u1", 2)

	tests := []struct {
		name string
		tick bool
		want bool
	}{
		{"first tick", true, true},
		{"second tick", true, true},
		{"tick on a full queue is dropped", true, true},
		{"round event on a full queue", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.enqueue([]byte(`{}`), tt.tick); got != tt.want {
				t.Errorf("enqueue() = %v, want %v", got, tt.want)
			}
		})
	}
	if len(client.send) != 2 {
		t.Errorf("queued %d messages, want 2", len(client.send))
	}
}

func TestHub_DisconnectsSlowClient(t *testing.T) {
	hub, _ := runHub(t)
	conn := newFakeConn(true)
	hub.add(newClient(conn, "slow", 1))
	waitFor(t, "registration", func() bool { return hub.GetClientCount() == 1 })

	for i := 0; i < 3; i++ {
		hub.Publish(context.Background(), Event{Type: EVENT_ROUND_PRE})
	}

	waitFor(t, "the slow client to be dropped", func() bool { return hub.GetClientCount() == 0 })
	if !conn.isClosed() {
		t.Error("slow client connection was not closed")
	}
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	hub.Relay([]byte(`{"type":"test"}`))
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("Run() did not return after cancel")
	}
}

func TestHub_RunStopsOnClosedChannel(t *testing.T) {
	hub := NewHub()

	stopped := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(stopped)
	}()
	close(hub.broadcast)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Error("Run() kept spinning on a closed broadcast channel")
	}
}

func TestHub_RegisterAfterStop(t *testing.T) {
	hub, cancel := runHub(t)
	live := newFakeConn(false)
	client := hub.add(newClient(live, "u1", CLIENT_BUFFER_SIZE))

	cancel()
	<-hub.done

	done := make(chan struct{})
	late := newFakeConn(false)
	go func() {
		hub.UnregisterClient(client)
		hub.UnregisterClient(hub.add(newClient(late, "u2", CLIENT_BUFFER_SIZE)))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RegisterClient/UnregisterClient blocked after the hub stopped")
	}
	if !live.isClosed() || !late.isClosed() {
		t.Error("connections were not closed after the hub stopped")
	}
}

func TestHub_ConcurrentPublishes(t *testing.T) {
	hub, _ := runHub(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(ctx, Event{Type: "test", Data: i})
		}()
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Concurrent publishes timed out")
	}
}

func TestHub_GetClientCount_ThreadSafe(t *testing.T) {
	hub, _ := runHub(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = hub.GetClientCount()
		}()
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Concurrent GetClientCount() timed out")
	}
}

func BenchmarkHub_Publish(b *testing.B) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	event := Event{Type: EVENT_ROUND_TICK, Data: RoundTickData{RoundID: "bench", Multiplier: dec("2.00")}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Publish(ctx, event)
	}
}
