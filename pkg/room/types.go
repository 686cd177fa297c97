package room

import (
	"time"

	"github.com/lokutor-ai/interview-coach/pkg/relay"
)

// Role is a client's permission level within a room.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleObserver    Role = "observer"
)

// Status is the room's lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusEnding  Status = "ending"
	StatusEnded   Status = "ended"
)

// Conn is the narrow capability a room needs from a client's socket: push
// a JSON frame, tear it down. The concrete WebSocket connection lives in
// the manager package; the room only ever sees this interface, so tests
// substitute a fake.
type Conn interface {
	Send(v interface{}) error
	Close(code int, reason string) error
}

// Client is one connected participant.
type Client struct {
	ID         string
	Role       Role
	SessionID  string
	UserName   string
	JoinedAt   time.Time
	LastPongAt time.Time
	Alive      bool
	Conn       Conn
}

// Utterance and CoachingEvent are the relay's types, reused here
// unchanged: the room is the sole owner of a relay and forwards its
// typed events without translation.
type Utterance = relay.Utterance
type CoachingEvent = relay.CoachingEvent

// TopicUpdate tracks coverage of one interview topic. Topics are scoped
// to a room; unknown names are created on first update.
type TopicUpdate struct {
	TopicName string
	Status    string // not_covered | partial | covered
}

// TalkTimeRatio is derived after every finalized utterance.
type TalkTimeRatio struct {
	Interviewer int    // percent
	Participant int    // percent
	Status      string // good | warning | over_talking
}

// ObserverComment is a side-channel note from an observer, broadcast to
// every client in the room.
type ObserverComment struct {
	ID         string
	AuthorID   string
	AuthorName string
	Text       string
	Timestamp  float64
	CreatedAt  time.Time
}

// BotClient is the room's capability to request/stop a meeting bot.
type BotClient interface {
	RequestBot(sessionID, meetingURL string) (botID string, err error)
	StopBot(botID string) error
}
