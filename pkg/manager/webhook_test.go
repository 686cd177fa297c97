package manager

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lokutor-ai/interview-coach/pkg/logging"
	"github.com/lokutor-ai/interview-coach/pkg/protocol"
	"github.com/lokutor-ai/interview-coach/pkg/relay"
	"github.com/lokutor-ai/interview-coach/pkg/room"
)

// fakeConnForWebhook satisfies room.Conn for webhook-driven broadcast
// assertions, independent of the WebSocket-backed fakes in manager_test.go.
type fakeConnForWebhook struct {
	mu   sync.Mutex
	sent []interface{}
}

func (f *fakeConnForWebhook) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConnForWebhook) Close(code int, reason string) error { return nil }

func (f *fakeConnForWebhook) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

func asUtteranceOut(v interface{}) (protocol.TranscriptFinalizedOut, bool) {
	out, ok := v.(protocol.TranscriptFinalizedOut)
	return out, ok
}

func newWebhookServer(t *testing.T, secret string) (*httptest.Server, *Manager) {
	t.Helper()
	m := New(Config{HeartbeatInterval: time.Hour, ClientTimeout: time.Second, RoomGrace: time.Hour},
		WithBotClient(fakeBotClient{}), WithRelayFactory(testRelayFactory), WithLogger(&logging.NoOpLogger{}),
		WithWebhookSecret(secret))
	r := gin.New()
	r.POST("/api/webhooks/:bot", m.HandleWebhook)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		m.Shutdown()
		srv.Close()
	})
	return srv, m
}

func postWebhook(t *testing.T, srv *httptest.Server, body []byte, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", srv.URL+"/api/webhooks/recall", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("X-Recall-Signature", sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newWebhookServer(t, "shh")
	body, _ := json.Marshal(map[string]interface{}{"event": "join_call", "data": map[string]string{"sessionId": "s1"}})
	resp := postWebhook(t, srv, body, "deadbeef")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	srv, m := newWebhookServer(t, "shh")
	m.getOrCreateRoom("s1")

	body, _ := json.Marshal(map[string]interface{}{"event": "join_call", "data": map[string]string{"sessionId": "s1"}})
	resp := postWebhook(t, srv, body, sign("shh", body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	r, _ := m.GetRoom("s1")
	if r.Status() != room.StatusRunning {
		t.Fatalf("expected join_call to mark room running, got %s", r.Status())
	}
}

func TestWebhookSkipsSignatureCheckWhenSecretEmpty(t *testing.T) {
	srv, m := newWebhookServer(t, "")
	m.getOrCreateRoom("s1")

	body, _ := json.Marshal(map[string]interface{}{"event": "leave_call", "data": map[string]string{"sessionId": "s1"}})
	resp := postWebhook(t, srv, body, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r, _ := m.GetRoom("s1")
	if r.Status() != room.StatusEnding {
		t.Fatalf("expected leave_call to mark room ending, got %s", r.Status())
	}
}

func TestWebhookMediaDoneEndsRoom(t *testing.T) {
	srv, m := newWebhookServer(t, "")
	m.getOrCreateRoom("s1")

	body, _ := json.Marshal(map[string]interface{}{"event": "media.done", "data": map[string]string{"sessionId": "s1"}})
	postWebhook(t, srv, body, "")

	r, _ := m.GetRoom("s1")
	if r.Status() != room.StatusEnded {
		t.Fatalf("expected media.done to mark room ended, got %s", r.Status())
	}
}

func TestWebhookFatalStatusChangeEmitsError(t *testing.T) {
	srv, m := newWebhookServer(t, "")
	r := m.getOrCreateRoom("s1")
	conn := &fakeConnForWebhook{}
	r.AddClient(&room.Client{ID: "i1", Role: room.RoleInterviewer, Conn: conn})

	body, _ := json.Marshal(map[string]interface{}{
		"event": "status_change",
		"data": map[string]interface{}{
			"sessionId": "s1",
			"status":    map[string]string{"code": "fatal", "message": "bot crashed"},
		},
	})
	postWebhook(t, srv, body, "")

	found := false
	for _, m := range conn.messages() {
		if e, ok := m.(protocol.SessionErrorOut); ok && e.Code == protocol.ErrRecallBotFatal {
			found = true
		}
	}
	if !found {
		t.Fatal("expected session.error broadcast on fatal status_change")
	}
}

func TestWebhookNonFatalStatusChangeIsNoop(t *testing.T) {
	srv, m := newWebhookServer(t, "")
	r := m.getOrCreateRoom("s1")
	conn := &fakeConnForWebhook{}
	r.AddClient(&room.Client{ID: "i1", Role: room.RoleInterviewer, Conn: conn})

	body, _ := json.Marshal(map[string]interface{}{
		"event": "status_change",
		"data": map[string]interface{}{
			"sessionId": "s1",
			"status":    map[string]string{"code": "joining", "message": ""},
		},
	})
	// AddClient already sent session.status and observer.count.
	before := len(conn.messages())
	postWebhook(t, srv, body, "")

	if len(conn.messages()) != before {
		t.Fatal("expected no broadcast on non-fatal status_change")
	}
}

func TestWebhookTranscriptForgesUtterance(t *testing.T) {
	srv, m := newWebhookServer(t, "")
	r := m.getOrCreateRoom("s1")
	conn := &fakeConnForWebhook{}
	r.AddClient(&room.Client{ID: "i1", Role: room.RoleInterviewer, Conn: conn})

	body, _ := json.Marshal(map[string]interface{}{
		"event": "transcript",
		"data": map[string]interface{}{
			"sessionId": "s1",
			"transcript": map[string]interface{}{
				"speaker":    "participant",
				"text":       "hello there",
				"start_time": 0,
				"end_time":   1000,
			},
		},
	})
	postWebhook(t, srv, body, "")

	found := false
	for _, m := range conn.messages() {
		out, ok := asUtteranceOut(m)
		if !ok {
			continue
		}
		u, ok := out.Utterance.(relay.Utterance)
		if !ok || u.ID == "" {
			t.Fatalf("expected forged utterance to carry a non-empty id, got %+v", out.Utterance)
		}
		found = true
	}
	if !found {
		t.Fatal("expected transcript.finalized broadcast from forged transcript webhook")
	}
}

func TestWebhookUnknownSessionIsNoop(t *testing.T) {
	srv, _ := newWebhookServer(t, "")
	body, _ := json.Marshal(map[string]interface{}{"event": "join_call", "data": map[string]string{"sessionId": "nope"}})
	resp := postWebhook(t, srv, body, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 no-op for unknown session, got %d", resp.StatusCode)
	}
}
