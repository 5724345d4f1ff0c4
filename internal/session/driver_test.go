package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/relay/internal/approval"
	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/engine"
	"github.com/basket/relay/internal/event"
	otelx "github.com/basket/relay/internal/otel"
)

type sink struct {
	mu  sync.Mutex
	got []*event.Envelope
}

func (s *sink) Writable() bool { return true }

func (s *sink) Deliver(env *event.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, env)
	return nil
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, e := range s.got {
		out[i] = e.Type
	}
	return out
}

func (s *sink) byType(typ string) []*event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*event.Envelope
	for _, e := range s.got {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// scripted replays a fixed message sequence. When block is non-nil the
// stream stalls after the ack until block is closed or the turn is
// cancelled.
type scripted struct {
	msgs  []engine.Message
	block chan struct{}
}

func (f *scripted) Run(ctx context.Context, req engine.Request) (<-chan engine.Message, error) {
	out := make(chan engine.Message, len(f.msgs)+1)
	go func() {
		defer close(out)
		for i, msg := range f.msgs {
			if i == 1 && f.block != nil {
				select {
				case <-f.block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func newManager(t *testing.T, eng engine.Engine) (*Manager, *bus.Broadcaster) {
	t.Helper()
	b := bus.New(event.NewSequencer())
	approvals := approval.NewBroker(b, "runner_test", time.Minute, nil)
	return NewManager(b, approvals, eng, "runner_test", nil, nil), b
}

func waitIdle(t *testing.T, m *Manager, sessionID string) Info {
	t.Helper()
	for i := 0; i < 400; i++ {
		info, err := m.Get(sessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if info.Status == StatusIdle {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never returned to idle")
	return Info{}
}

func TestSend_FullTurn(t *testing.T) {
	eng := &scripted{msgs: []engine.Message{
		engine.Ack{EngineSessionID: "eng_1", Model: "echo"},
		engine.Delta{Text: "hi "},
		engine.Delta{Text: "there"},
		engine.Assistant{Blocks: []engine.ContentBlock{{Type: "text", Text: "hi there"}}},
		engine.Result{Success: true, Usage: engine.Usage{InputTokens: 3, OutputTokens: 5}},
	}}
	m, b := newManager(t, eng)

	info := m.Create("proj_1", "/tmp/proj", "default")
	s := &sink{}
	b.Subscribe(info.SessionID, s)

	if err := m.Send(info.SessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	info = waitIdle(t, m, info.SessionID)

	if info.EngineSessionID != "eng_1" {
		t.Fatalf("engine session id = %q, want eng_1", info.EngineSessionID)
	}

	want := []string{
		event.TypeSessionCreated,
		event.TypeAssistantDelta,
		event.TypeAssistantDelta,
		event.TypeAssistantMessage,
		event.TypeSessionEnded,
	}
	got := s.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, env := range s.got {
		if env.Seq != int64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, env.Seq, i+1)
		}
		if env.CorrelationID != s.got[0].CorrelationID {
			t.Fatalf("envelope %d has correlation id %q, want %q", i, env.CorrelationID, s.got[0].CorrelationID)
		}
	}
	if reason := s.got[len(s.got)-1].Payload["reason"]; reason != "completed" {
		t.Fatalf("session.ended reason = %v, want completed", reason)
	}
}

func TestSend_WhileStreamingIsRejected(t *testing.T) {
	block := make(chan struct{})
	eng := &scripted{
		msgs: []engine.Message{
			engine.Ack{EngineSessionID: "eng_1"},
			engine.Result{Success: true},
		},
		block: block,
	}
	m, _ := newManager(t, eng)
	info := m.Create("proj_1", "/tmp/proj", "default")

	if err := m.Send(info.SessionID, "first"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Wait until the turn is visibly in flight.
	for i := 0; i < 200; i++ {
		cur, _ := m.Get(info.SessionID)
		if cur.Status == StatusStreaming {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Send(info.SessionID, "second"); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second Send err = %v, want ErrAlreadyStreaming", err)
	}

	close(block)
	cur := waitIdle(t, m, info.SessionID)
	if cur.EngineSessionID != "eng_1" {
		t.Fatalf("engine session id = %q, want eng_1 (rejected send must not mutate it)", cur.EngineSessionID)
	}
}

func TestInterrupt_EmitsAborted(t *testing.T) {
	eng := &scripted{
		msgs: []engine.Message{
			engine.Ack{EngineSessionID: "eng_1"},
			engine.Result{Success: true},
		},
		block: make(chan struct{}),
	}
	m, b := newManager(t, eng)
	info := m.Create("proj_1", "/tmp/proj", "default")
	s := &sink{}
	b.Subscribe(info.SessionID, s)

	if err := m.Send(info.SessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i := 0; i < 200; i++ {
		if len(s.byType(event.TypeSessionCreated)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Interrupt(info.SessionID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitIdle(t, m, info.SessionID)

	errs := s.byType(event.TypeSessionError)
	if len(errs) != 1 {
		t.Fatalf("session.error count = %d, want 1", len(errs))
	}
	if code := errs[0].Payload["code"]; code != "aborted" {
		t.Fatalf("session.error code = %v, want aborted", code)
	}
	if got := len(s.byType(event.TypeSessionEnded)); got != 0 {
		t.Fatalf("session.ended count = %d, want 0 on abort", got)
	}
}

// lingering replays its messages, then holds the stream open until the turn
// is cancelled.
type lingering struct {
	msgs []engine.Message
	sent chan struct{}
}

func (f *lingering) Run(ctx context.Context, req engine.Request) (<-chan engine.Message, error) {
	out := make(chan engine.Message, len(f.msgs))
	go func() {
		defer close(out)
		for _, msg := range f.msgs {
			out <- msg
		}
		close(f.sent)
		<-ctx.Done()
	}()
	return out, nil
}

func TestInterrupt_AfterResultEmitsNoError(t *testing.T) {
	eng := &lingering{
		msgs: []engine.Message{
			engine.Ack{EngineSessionID: "eng_1"},
			engine.Result{Success: true},
		},
		sent: make(chan struct{}),
	}
	m, b := newManager(t, eng)
	info := m.Create("proj_1", "/tmp/proj", "default")
	s := &sink{}
	b.Subscribe(info.SessionID, s)

	if err := m.Send(info.SessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-eng.sent
	// The result is out but the stream is still open. Wait for the terminal
	// envelope, then cancel the already-completed turn.
	for i := 0; i < 200; i++ {
		if len(s.byType(event.TypeSessionEnded)) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := m.Interrupt(info.SessionID); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	waitIdle(t, m, info.SessionID)

	if got := len(s.byType(event.TypeSessionEnded)); got != 1 {
		t.Fatalf("session.ended count = %d, want 1", got)
	}
	if got := len(s.byType(event.TypeSessionError)); got != 0 {
		t.Fatalf("session.error count = %d after a completed turn, want 0", got)
	}
}

func TestSend_RecordsTurnMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otelx.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	eng := &scripted{msgs: []engine.Message{
		engine.Ack{EngineSessionID: "eng_1", Model: "echo"},
		engine.Result{Success: true, Usage: engine.Usage{InputTokens: 3, OutputTokens: 5}},
	}}
	b := bus.New(event.NewSequencer())
	approvals := approval.NewBroker(b, "runner_test", time.Minute, nil)
	m := NewManager(b, approvals, eng, "runner_test", nil, nil, metrics)

	info := m.Create("proj_1", "/tmp/proj", "default")
	if err := m.Send(info.SessionID, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitIdle(t, m, info.SessionID)
	if err := m.End(info.SessionID); err != nil {
		t.Fatalf("End: %v", err)
	}

	var tokens, active int64
	var turns uint64
	collect := func() {
		tokens, active, turns = 0, 0, 0
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("collect metrics: %v", err)
		}
		for _, sm := range rm.ScopeMetrics {
			for _, data := range sm.Metrics {
				switch data.Name {
				case "relay.engine.tokens":
					sum, ok := data.Data.(metricdata.Sum[int64])
					if !ok {
						t.Fatalf("relay.engine.tokens is %T, want Sum[int64]", data.Data)
					}
					for _, dp := range sum.DataPoints {
						tokens += dp.Value
					}
				case "relay.sessions.active":
					sum, ok := data.Data.(metricdata.Sum[int64])
					if !ok {
						t.Fatalf("relay.sessions.active is %T, want Sum[int64]", data.Data)
					}
					for _, dp := range sum.DataPoints {
						active += dp.Value
					}
				case "relay.turn.duration":
					hist, ok := data.Data.(metricdata.Histogram[float64])
					if !ok {
						t.Fatalf("relay.turn.duration is %T, want Histogram[float64]", data.Data)
					}
					for _, dp := range hist.DataPoints {
						turns += dp.Count
					}
				}
			}
		}
	}
	// The turn duration is recorded just after the session turns idle; allow
	// the recording goroutine to finish.
	for i := 0; i < 400; i++ {
		collect()
		if turns == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tokens != 8 {
		t.Fatalf("relay.engine.tokens = %d, want 8", tokens)
	}
	if active != 0 {
		t.Fatalf("relay.sessions.active = %d after End, want 0", active)
	}
	if turns != 1 {
		t.Fatalf("relay.turn.duration count = %d, want 1", turns)
	}
}

func TestInterrupt_IdleIsNoOp(t *testing.T) {
	m, _ := newManager(t, &engine.Echo{})
	info := m.Create("proj_1", "/tmp/proj", "default")
	if err := m.Interrupt(info.SessionID); err != nil {
		t.Fatalf("Interrupt on idle session: %v", err)
	}
}

func TestEnd_RemovesSession(t *testing.T) {
	m, _ := newManager(t, &engine.Echo{})
	info := m.Create("proj_1", "/tmp/proj", "default")

	if err := m.End(info.SessionID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := m.Get(info.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after End err = %v, want ErrNotFound", err)
	}
	if err := m.End(info.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second End err = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByProject(t *testing.T) {
	m, _ := newManager(t, &engine.Echo{})
	m.Create("proj_1", "/tmp/a", "default")
	m.Create("proj_1", "/tmp/b", "default")
	m.Create("proj_2", "/tmp/c", "default")

	if got := len(m.List("")); got != 3 {
		t.Fatalf("List(all) = %d sessions, want 3", got)
	}
	if got := len(m.List("proj_1")); got != 2 {
		t.Fatalf("List(proj_1) = %d sessions, want 2", got)
	}
	if got := len(m.List("proj_9")); got != 0 {
		t.Fatalf("List(proj_9) = %d sessions, want 0", got)
	}
}
