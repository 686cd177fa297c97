package manager

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"

	"github.com/lokutor-ai/interview-coach/pkg/metrics"
	"github.com/lokutor-ai/interview-coach/pkg/relay"
)

// webhookPayload is the bot provider's event envelope.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		BotID     string `json:"bot_id"`
		SessionID string `json:"sessionId"`
		Status    *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"status"`
		Recording *struct {
			URL string `json:"url"`
		} `json:"recording"`
		Transcript *struct {
			Speaker   string `json:"speaker"`
			Text      string `json:"text"`
			StartTime int64  `json:"start_time"`
			EndTime   int64  `json:"end_time"`
		} `json:"transcript"`
		Audio string `json:"audio"`
	} `json:"data"`
}

var fatalBotStatusCodes = map[string]bool{
	"fatal":             true,
	"call_ended":        true,
	"media_expired":     true,
	"permission_denied": true,
}

// HandleWebhook handles POST /api/webhooks/:bot. The session id used to
// route to a room is read from data.sessionId. No bot-id index is kept,
// so an event without a sessionId, or for an unknown session, is
// acknowledged with 200 and otherwise ignored.
func (m *Manager) HandleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if m.webhookSecret != "" {
		sig := c.GetHeader("X-Recall-Signature")
		if !validSignature(m.webhookSecret, body, sig) {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
	}

	var payload webhookPayload
	if err := binding.JSON.BindBody(body, &payload); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	metrics.WebhookEvents.WithLabelValues(payload.Event).Inc()

	if payload.Data.SessionID == "" {
		c.Status(http.StatusOK)
		return
	}
	r, ok := m.GetRoom(payload.Data.SessionID)
	if !ok {
		c.Status(http.StatusOK)
		return
	}

	switch payload.Event {
	case "join_call":
		r.NotifyBotJoined()
	case "leave_call":
		r.NotifyBotLeft()
	case "media.done":
		r.NotifyMediaDone()
	case "status_change":
		if payload.Data.Status != nil && fatalBotStatusCodes[payload.Data.Status.Code] {
			r.NotifyBotFatal(payload.Data.Status.Message)
		}
	case "transcript":
		if t := payload.Data.Transcript; t != nil {
			r.ForgeUtterance(relay.Utterance{
				ID:         "bot_" + uuid.NewString(),
				SessionID:  payload.Data.SessionID,
				Speaker:    t.Speaker,
				Text:       t.Text,
				StartTime:  t.StartTime,
				EndTime:    t.EndTime,
				Confidence: 1.0,
			})
		}
	case "audio":
		if payload.Data.Audio != "" {
			if frame, err := base64.StdEncoding.DecodeString(payload.Data.Audio); err == nil {
				r.HandleRecallAudio(c.Request.Context(), frame)
			}
		}
	}

	c.Status(http.StatusOK)
}

func validSignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
