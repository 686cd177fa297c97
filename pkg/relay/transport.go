package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Transport is the narrow capability the relay needs from its connection to
// the external streaming speech/LLM service: open it, push a JSON frame,
// pull the next one, tear it down. Collapsing the teacher's
// STTProvider/LLMProvider/TTSProvider/VADProvider battery into one
// interface reflects that this spec's external collaborator is a single
// multimodal endpoint, not a swappable battery of vendors.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, v interface{}) error
	Recv(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}

// WSTransport is the production Transport: a coder/websocket connection to
// the external service, authenticated with a bearer token.
type WSTransport struct {
	url    string
	apiKey string
	conn   *websocket.Conn
}

// NewWSTransport builds a Transport bound to the given endpoint and bearer
// token. Connect is deferred until called.
func NewWSTransport(url, apiKey string) *WSTransport {
	return &WSTransport{url: url, apiKey: apiKey}
}

func (t *WSTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
		},
	})
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	t.conn = conn
	return nil
}

func (t *WSTransport) Send(ctx context.Context, v interface{}) error {
	return wsjson.Write(ctx, t.conn, v)
}

func (t *WSTransport) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *WSTransport) Close(code int, reason string) error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// connectWithDeadline enforces the relay's 15s connect deadline around
// Transport.Connect, independent of any caller-supplied context deadline.
func connectWithDeadline(ctx context.Context, tr Transport, deadline time.Duration) error {
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- tr.Connect(dctx) }()

	select {
	case err := <-done:
		return err
	case <-dctx.Done():
		return ErrConnectTimeout
	}
}
