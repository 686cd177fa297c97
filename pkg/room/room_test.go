package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/protocol"
	"github.com/lokutor-ai/interview-coach/pkg/relay"
)

// --- fakes ---

type fakeConn struct {
	mu   sync.Mutex
	sent []interface{}
}

func (f *fakeConn) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error { return nil }

func (f *fakeConn) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

type stubTransport struct {
	recvCh chan []byte
}

func newStubTransport() *stubTransport { return &stubTransport{recvCh: make(chan []byte)} }

func (s *stubTransport) Connect(ctx context.Context) error             { return nil }
func (s *stubTransport) Send(ctx context.Context, v interface{}) error { return nil }
func (s *stubTransport) Close(code int, reason string) error           { return nil }
func (s *stubTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-s.recvCh:
		if !ok {
			return nil, io.EOF
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testRelayFactory(cfg relay.Config, log logging.Logger) *relay.Relay {
	return relay.New(cfg, newStubTransport(), log)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{t: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRoom(clock *fakeClock) *Room {
	if clock == nil {
		clock = newFakeClock(time.Unix(0, 0))
	}
	return New("s1", WithRelayFactory(testRelayFactory), WithClock(clock.Now))
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func hasType(msgs []interface{}, match func(interface{}) bool) bool {
	for _, m := range msgs {
		if match(m) {
			return true
		}
	}
	return false
}

// --- tests ---

func TestSessionStartWithNoRelayFactoryEmitsOpenAIError(t *testing.T) {
	r := New("s1", WithClock(newFakeClock(time.Unix(0, 0)).Now))
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	r.HandleMessage(context.Background(), "i1", protocol.Inbound{
		Type: protocol.TypeSessionStart,
		Raw:  raw(t, map[string]string{"type": "session.start"}),
	})

	if r.Status() != StatusReady {
		t.Fatalf("expected status to fall back to ready, got %s", r.Status())
	}
	if !hasType(conn.messages(), func(m interface{}) bool {
		e, ok := m.(protocol.SessionErrorOut)
		return ok && e.Code == protocol.ErrOpenAIError
	}) {
		t.Fatal("expected session.error{OPENAI_ERROR} when no relay factory is configured")
	}
}

func TestAddClientRejectsDuplicateInterviewer(t *testing.T) {
	r := newTestRoom(nil)
	c1 := &Client{ID: "c1", Role: RoleInterviewer, Conn: &fakeConn{}}
	c2 := &Client{ID: "c2", Role: RoleInterviewer, Conn: &fakeConn{}}

	if err := r.AddClient(c1); err != nil {
		t.Fatalf("unexpected error adding first interviewer: %v", err)
	}
	if err := r.AddClient(c2); err != ErrDuplicateInterviewer {
		t.Fatalf("expected ErrDuplicateInterviewer, got %v", err)
	}
}

func TestSessionStartRejectedForObserver(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	obs := &Client{ID: "o1", Role: RoleObserver, Conn: conn}
	r.AddClient(obs)

	r.HandleMessage(context.Background(), "o1", protocol.Inbound{
		Type: protocol.TypeSessionStart,
		Raw:  raw(t, map[string]string{"type": "session.start"}),
	})

	if r.Status() != StatusIdle {
		t.Fatalf("expected status unchanged at idle, got %s", r.Status())
	}
	found := hasType(conn.messages(), func(m interface{}) bool {
		e, ok := m.(protocol.SessionErrorOut)
		return ok && e.Code == protocol.ErrUnauthorized
	})
	if !found {
		t.Fatal("expected session.error{UNAUTHORIZED} sent to observer")
	}
}

func TestSessionStartByInterviewerTransitionsToRunning(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	interviewer := &Client{ID: "i1", Role: RoleInterviewer, Conn: conn}
	r.AddClient(interviewer)

	r.HandleMessage(context.Background(), "i1", protocol.Inbound{
		Type: protocol.TypeSessionStart,
		Raw:  raw(t, map[string]string{"type": "session.start"}),
	})

	if r.Status() != StatusRunning {
		t.Fatalf("expected running, got %s", r.Status())
	}
}

func TestObserverCommentBroadcastsToAll(t *testing.T) {
	r := newTestRoom(nil)
	interviewerConn := &fakeConn{}
	observerConn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: interviewerConn})
	r.AddClient(&Client{ID: "o1", Role: RoleObserver, UserName: "Obs", Conn: observerConn})

	r.HandleMessage(context.Background(), "o1", protocol.Inbound{
		Type: protocol.TypeObserverComment,
		Raw:  raw(t, protocol.ObserverCommentPayload{Text: "hello", Timestamp: 42.0}),
	})

	for _, conn := range []*fakeConn{interviewerConn, observerConn} {
		found := hasType(conn.messages(), func(m interface{}) bool {
			out, ok := m.(protocol.ObserverCommentOut)
			if !ok {
				return false
			}
			c, ok := out.Comment.(ObserverComment)
			return ok && c.Text == "hello"
		})
		if !found {
			t.Fatal("expected observer.comment broadcast to every client")
		}
	}
}

func TestObserverQuestionOnlyToInterviewer(t *testing.T) {
	r := newTestRoom(nil)
	interviewerConn := &fakeConn{}
	observerConn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: interviewerConn})
	r.AddClient(&Client{ID: "o1", Role: RoleObserver, UserName: "Obs", Conn: observerConn})

	r.HandleMessage(context.Background(), "o1", protocol.Inbound{
		Type: protocol.TypeObserverQuestion,
		Raw:  raw(t, protocol.ObserverQuestionPayload{Text: "ask about scaling"}),
	})

	if !hasType(interviewerConn.messages(), func(m interface{}) bool {
		q, ok := m.(protocol.ObserverQuestionOut)
		return ok && q.Question == "ask about scaling" && q.From == "Obs"
	}) {
		t.Fatal("expected observer.question delivered to interviewer")
	}
	if hasType(observerConn.messages(), func(m interface{}) bool {
		_, ok := m.(protocol.ObserverQuestionOut)
		return ok
	}) {
		t.Fatal("observer.question must not be delivered to other observers")
	}
}

func TestAudioChunkDroppedWhenNotRunning(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	// status is idle; audio.chunk must have no observable effect.
	r.HandleMessage(context.Background(), "i1", protocol.Inbound{
		Type: protocol.TypeAudioChunk,
		Raw:  raw(t, protocol.AudioChunkPayload{Data: "AAAA"}),
	})

	if r.Status() != StatusIdle {
		t.Fatalf("expected status unaffected, got %s", r.Status())
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	r.HandleMessage(context.Background(), "i1", protocol.Inbound{Type: protocol.TypeSessionStop, Raw: raw(t, map[string]string{"type": "session.stop"})})
	if r.Status() != StatusEnded {
		t.Fatalf("expected ended, got %s", r.Status())
	}
	r.HandleMessage(context.Background(), "i1", protocol.Inbound{Type: protocol.TypeSessionStop, Raw: raw(t, map[string]string{"type": "session.stop"})})
	if r.Status() != StatusEnded {
		t.Fatalf("expected ended to remain a no-op, got %s", r.Status())
	}
}

func TestInterviewerDisconnectAutoPauses(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})
	r.HandleMessage(context.Background(), "i1", protocol.Inbound{Type: protocol.TypeSessionStart, Raw: raw(t, map[string]string{"type": "session.start"})})
	if r.Status() != StatusRunning {
		t.Fatalf("expected running before disconnect, got %s", r.Status())
	}

	r.RemoveClient("i1")
	if r.Status() != StatusPaused {
		t.Fatalf("expected paused after interviewer disconnect, got %s", r.Status())
	}
}

func TestCoachingConfidenceFilter(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	// AddClient already sent session.status and observer.count.
	before := len(conn.messages())
	r.onCoachingEvent(relay.CoachingEvent{PromptType: relay.PromptFollowUp, PromptText: "x", Confidence: 0.84})
	if len(conn.messages()) != before {
		t.Fatal("expected no emission below confidence floor")
	}

	r.onCoachingEvent(relay.CoachingEvent{PromptType: relay.PromptFollowUp, PromptText: "y", Confidence: 0.86})
	if !hasType(conn.messages(), func(m interface{}) bool {
		_, ok := m.(protocol.CoachingPromptOut)
		return ok
	}) {
		t.Fatal("expected one emission above confidence floor")
	}
}

func TestWithCoachingConfigOverridesCooldown(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	r := New("s1", WithRelayFactory(testRelayFactory), WithClock(clock.Now),
		WithCoachingConfig(0.85, 2, 2*time.Second))
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	promptCount := func() int {
		n := 0
		for _, m := range conn.messages() {
			if _, ok := m.(protocol.CoachingPromptOut); ok {
				n++
			}
		}
		return n
	}

	ev := relay.CoachingEvent{PromptType: relay.PromptFollowUp, PromptText: "x", Confidence: 0.9}
	r.onCoachingEvent(ev)
	clock.Advance(3 * time.Second)
	r.onCoachingEvent(ev)
	if n := promptCount(); n != 2 {
		t.Fatalf("expected the 2s cooldown to admit a second prompt after 3s, got %d", n)
	}

	clock.Advance(3 * time.Second)
	r.onCoachingEvent(ev)
	if n := promptCount(); n != 2 {
		t.Fatalf("expected cap of 2 to still apply with shortened cooldown, got %d", n)
	}
}

func TestCoachingCapAndCooldown(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	r := newTestRoom(clock)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	promptCount := func() int {
		n := 0
		for _, m := range conn.messages() {
			if _, ok := m.(protocol.CoachingPromptOut); ok {
				n++
			}
		}
		return n
	}

	ev := relay.CoachingEvent{PromptType: relay.PromptFollowUp, PromptText: "x", Confidence: 0.9}

	r.onCoachingEvent(ev)
	if promptCount() != 1 {
		t.Fatalf("expected 1 admitted prompt, got %d", promptCount())
	}

	clock.Advance(30 * time.Second)
	r.onCoachingEvent(ev)
	if promptCount() != 1 {
		t.Fatalf("expected cooldown to block second prompt at +30s, got %d", promptCount())
	}

	clock.Advance(121 * time.Second)
	r.onCoachingEvent(ev)
	if promptCount() != 2 {
		t.Fatalf("expected second prompt admitted after cooldown, got %d", promptCount())
	}

	clock.Advance(121 * time.Second)
	r.onCoachingEvent(ev)
	if promptCount() != 3 {
		t.Fatalf("expected third prompt admitted, got %d", promptCount())
	}

	clock.Advance(121 * time.Second)
	r.onCoachingEvent(ev)
	if promptCount() != 3 {
		t.Fatalf("expected count capped at 3, got %d", promptCount())
	}
}

func TestTalkTimeAccountingAndStatus(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	latestRatio := func() TalkTimeRatio {
		var last TalkTimeRatio
		for _, m := range conn.messages() {
			if out, ok := m.(protocol.AnalysisTalktimeOut); ok {
				last = out.Ratio.(TalkTimeRatio)
			}
		}
		return last
	}

	r.onUtterance(relay.Utterance{ID: "u1", Speaker: "interviewer", StartTime: 0, EndTime: 30000})
	r.onUtterance(relay.Utterance{ID: "u2", Speaker: "participant", StartTime: 30000, EndTime: 120000})

	ratio := latestRatio()
	if ratio.Interviewer != 25 || ratio.Participant != 75 || ratio.Status != "good" {
		t.Fatalf("expected {25,75,good}, got %+v", ratio)
	}

	for i := 0; i < 20; i++ {
		r.onUtterance(relay.Utterance{ID: fmt.Sprintf("u%d", i+3), Speaker: "interviewer", StartTime: 0, EndTime: 30000})
	}
	ratio = latestRatio()
	if ratio.Status == "good" {
		t.Fatalf("expected status to degrade after sustained interviewer talk time, got %+v", ratio)
	}
}

func TestUnknownMessageTypeRepliesError(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	r.HandleMessage(context.Background(), "i1", protocol.Inbound{Type: "bogus.type", Raw: raw(t, map[string]string{})})

	if !hasType(conn.messages(), func(m interface{}) bool {
		e, ok := m.(protocol.ErrorOut)
		return ok && e.Code == protocol.ErrUnknownMessage
	}) {
		t.Fatal("expected error{UNKNOWN_MESSAGE} reply")
	}
}

func TestPingRepliesPong(t *testing.T) {
	r := newTestRoom(nil)
	conn := &fakeConn{}
	r.AddClient(&Client{ID: "i1", Role: RoleInterviewer, Conn: conn})

	r.HandleMessage(context.Background(), "i1", protocol.Inbound{Type: protocol.TypePing, Raw: raw(t, map[string]string{"type": "ping"})})

	if !hasType(conn.messages(), func(m interface{}) bool {
		_, ok := m.(protocol.PongOut)
		return ok
	}) {
		t.Fatal("expected pong reply")
	}
}
