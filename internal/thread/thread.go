// Package thread stores multi-turn conversations keyed by stable element
// identifiers, persisted as a single JSON file under .popmelt.
package thread

import (
	"time"

	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/parser"
)

// Message roles.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// Message is one turn of a thread. Human messages carry the feedback that
// started a job; assistant messages carry the agent's response.
type Message struct {
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Human fields
	ScreenshotPath string            `json:"screenshotPath,omitempty"`
	AnnotationIDs  []string          `json:"annotationIds,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	Feedback       *feedback.Payload `json:"feedback,omitempty"`
	Reply          string            `json:"reply,omitempty"`

	// Assistant fields
	Response    string              `json:"response,omitempty"`
	Resolutions []parser.Resolution `json:"resolutions,omitempty"`
	Question    string              `json:"question,omitempty"`
	ToolsUsed   []string            `json:"toolsUsed,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Thread is an append-only conversation over a shared set of elements.
// Elements may be added but never removed.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Elements  []string  `json:"elements"`
	Messages  []Message `json:"messages"`
}

// HasElement reports whether the thread's element set contains id.
func (t *Thread) HasElement(id string) bool {
	for _, el := range t.Elements {
		if el == id {
			return true
		}
	}
	return false
}

// LastSessionID returns the agent session id from the most recent assistant
// message, or "" when the thread has none. Follow-up jobs use it to resume
// the agent's own conversation.
func (t *Thread) LastSessionID() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		m := t.Messages[i]
		if m.Role == RoleAssistant && m.SessionID != "" {
			return m.SessionID
		}
	}
	return ""
}
