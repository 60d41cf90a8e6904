// Package decision persists the durable record of every completed job:
// feedback, screenshots, parsed results, and a working-tree diff snapshot.
package decision

import (
	"time"

	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/parser"
)

// Record is the immutable snapshot of a completed job. One JSON file per
// record under .popmelt/decisions.
type Record struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt"`

	URL      string             `json:"url,omitempty"`
	Viewport *feedback.Viewport `json:"viewport,omitempty"`

	// Durable copies under .popmelt/screenshots.
	ScreenshotPath   string              `json:"screenshotPath,omitempty"`
	PastedImagePaths map[string][]string `json:"pastedImagePaths,omitempty"`

	Feedback *feedback.Payload `json:"feedback,omitempty"`

	Provider  string `json:"provider"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
	PlanID    string `json:"planId,omitempty"`
	Phase     string `json:"phase,omitempty"`

	ResponseText string              `json:"responseText"`
	Resolutions  []parser.Resolution `json:"resolutions,omitempty"`
	Question     string              `json:"question,omitempty"`
	FileEdits    []string            `json:"fileEdits,omitempty"`
	ToolsUsed    []string            `json:"toolsUsed,omitempty"`

	// GitDiff is the working-tree diff captured at completion; empty when
	// capture failed or the project is not a git repository.
	GitDiff string `json:"gitDiff,omitempty"`
}

// PatternScoped reports whether any resolution lands with pattern breadth.
// The materializer only consumes pattern-scoped decisions.
func (r *Record) PatternScoped() bool {
	for _, res := range r.Resolutions {
		scope := res.FinalScope
		if scope == nil {
			scope = res.DeclaredScope
		}
		if scope != nil && scope.Breadth == parser.BreadthPattern {
			return true
		}
	}
	return false
}
