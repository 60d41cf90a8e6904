package parser

import (
	"encoding/json"
	"strings"
)

// Tag names recognized in agent output.
const (
	TagResolution = "resolution"
	TagQuestion   = "question"
	TagPlan       = "plan"
	TagReview     = "review"
	TagNovel      = "novel"
	TagModel      = "model"
)

// ExtractBlock returns the content of the first <tag>...</tag> block in text.
func ExtractBlock(text, tag string) (string, bool) {
	open := "<" + tag + ">"
	close := "</" + tag + ">"

	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// StripBlocks removes every recognized tagged block from text, leaving the
// free-form response the user sees.
func StripBlocks(text string) string {
	for _, tag := range []string{TagResolution, TagQuestion, TagPlan, TagReview, TagNovel, TagModel} {
		open := "<" + tag + ">"
		close := "</" + tag + ">"
		for {
			start := strings.Index(text, open)
			if start < 0 {
				break
			}
			end := strings.Index(text[start:], close)
			if end < 0 {
				break
			}
			text = text[:start] + text[start+end+len(close):]
		}
	}
	return strings.TrimSpace(text)
}

// ParseResolutions extracts the first <resolution> block and returns its
// valid entries. A missing or malformed block yields an empty slice, never
// an error: parse failures must not fail the job.
func ParseResolutions(text string) []Resolution {
	block, ok := ExtractBlock(text, TagResolution)
	if !ok {
		return nil
	}
	return parseResolutionArray(block)
}

func parseResolutionArray(block string) []Resolution {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil
	}

	resolutions := make([]Resolution, 0, len(raw))
	for _, entry := range raw {
		var r Resolution
		if err := json.Unmarshal(entry, &r); err != nil {
			continue
		}
		if !r.valid() {
			continue
		}
		resolutions = append(resolutions, r)
	}
	return resolutions
}

// ParseQuestion extracts the first <question> block. Agents emit either a
// bare string, a JSON string, or a single-element JSON array; all three are
// accepted. Returns "" when no question is present.
func ParseQuestion(text string) string {
	block, ok := ExtractBlock(text, TagQuestion)
	if !ok || block == "" {
		return ""
	}

	var s string
	if err := json.Unmarshal([]byte(block), &s); err == nil {
		return strings.TrimSpace(s)
	}
	var arr []string
	if err := json.Unmarshal([]byte(block), &arr); err == nil {
		if len(arr) == 0 {
			return ""
		}
		return strings.TrimSpace(strings.Join(arr, " "))
	}
	return block
}

// planTaskRaw mirrors PlanTask with pointer fields so missing region
// coordinates are distinguishable from zeros.
type planTaskRaw struct {
	ID          string `json:"id"`
	Instruction string `json:"instruction"`
	Region      *struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	} `json:"region"`
}

// ParsePlan extracts the first <plan> block and returns its valid tasks.
func ParsePlan(text string) []PlanTask {
	block, ok := ExtractBlock(text, TagPlan)
	if !ok {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil
	}

	tasks := make([]PlanTask, 0, len(raw))
	for _, entry := range raw {
		var t planTaskRaw
		if err := json.Unmarshal(entry, &t); err != nil {
			continue
		}
		if t.ID == "" || t.Instruction == "" || t.Region == nil {
			continue
		}
		r := t.Region
		if r.X == nil || r.Y == nil || r.Width == nil || r.Height == nil {
			continue
		}
		if !finite(*r.X) || !finite(*r.Y) || !finite(*r.Width) || !finite(*r.Height) {
			continue
		}
		tasks = append(tasks, PlanTask{
			ID:          t.ID,
			Instruction: t.Instruction,
			Region:      Region{X: *r.X, Y: *r.Y, Width: *r.Width, Height: *r.Height},
		})
	}
	return tasks
}

// ParseReview extracts the first <review> block. Returns nil when the block
// is absent or invalid.
func ParseReview(text string) *Review {
	block, ok := ExtractBlock(text, TagReview)
	if !ok {
		return nil
	}

	var r Review
	if err := json.Unmarshal([]byte(block), &r); err != nil {
		return nil
	}
	if r.Verdict != VerdictPass && r.Verdict != VerdictFail {
		return nil
	}
	if r.Summary == "" {
		return nil
	}
	return &r
}

// ParseNovelPatterns extracts the first <novel> block and returns its valid
// entries.
func ParseNovelPatterns(text string) []NovelPattern {
	block, ok := ExtractBlock(text, TagNovel)
	if !ok {
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil
	}

	patterns := make([]NovelPattern, 0, len(raw))
	for _, entry := range raw {
		var n NovelPattern
		if err := json.Unmarshal(entry, &n); err != nil {
			continue
		}
		if !n.valid() {
			continue
		}
		patterns = append(patterns, n)
	}
	return patterns
}

// ParseModel extracts the first <model> block as a JSON object.
func ParseModel(text string) (map[string]any, bool) {
	block, ok := ExtractBlock(text, TagModel)
	if !ok {
		return nil, false
	}

	var model map[string]any
	if err := json.Unmarshal([]byte(block), &model); err != nil {
		return nil, false
	}
	return model, true
}

// RemapAnnotationIDs defends against agents that invent annotation ids
// instead of echoing the prompt's. When the job carries a non-empty id list
// and none of the parsed ids match it, resolutions are remapped onto the
// original ids positionally. Surplus resolutions are dropped.
func RemapAnnotationIDs(resolutions []Resolution, originalIDs []string) []Resolution {
	if len(resolutions) == 0 || len(originalIDs) == 0 {
		return resolutions
	}

	known := make(map[string]bool, len(originalIDs))
	for _, id := range originalIDs {
		known[id] = true
	}
	for _, r := range resolutions {
		if known[r.AnnotationID] {
			return resolutions
		}
	}

	n := len(resolutions)
	if n > len(originalIDs) {
		n = len(originalIDs)
	}
	remapped := make([]Resolution, n)
	for i := 0; i < n; i++ {
		remapped[i] = resolutions[i]
		remapped[i].AnnotationID = originalIDs[i]
	}
	return remapped
}
