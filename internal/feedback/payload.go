// Package feedback defines the client-submitted feedback payload and the
// multipart reader that carries it alongside screenshots.
package feedback

import "encoding/json"

// Viewport is the browser viewport at capture time.
type Viewport struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Point is a 2D position (scroll offsets).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementDescriptor identifies a DOM element an annotation or style
// modification targets. Selector is the stable identifier; the rest is
// display context for the agent prompt.
type ElementDescriptor struct {
	Selector string   `json:"selector"`
	Tag      string   `json:"tag,omitempty"`
	ID       string   `json:"id,omitempty"`
	Classes  []string `json:"classes,omitempty"`
	Text     string   `json:"text,omitempty"`
}

// Annotation is a single piece of developer feedback attached to one or
// more elements.
type Annotation struct {
	ID               string              `json:"id"`
	Type             string              `json:"type"`
	Instruction      string              `json:"instruction,omitempty"`
	LinkedSelector   string              `json:"linkedSelector,omitempty"`
	PastedImageCount int                 `json:"pastedImageCount,omitempty"`
	Elements         []ElementDescriptor `json:"elements,omitempty"`
}

// PropertyChange records one CSS property edit previewed in the browser.
type PropertyChange struct {
	Property string `json:"property"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// StyleModification is a set of previewed property edits on one element.
type StyleModification struct {
	Selector string             `json:"selector"`
	Element  ElementDescriptor  `json:"element"`
	Changes  []PropertyChange   `json:"changes"`
}

// SpacingTokenChange records a design-token spacing edit.
type SpacingTokenChange struct {
	Token    string `json:"token"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// Payload is the feedback JSON document submitted on /send.
type Payload struct {
	Timestamp           int64                `json:"timestamp"`
	URL                 string               `json:"url"`
	Viewport            Viewport             `json:"viewport"`
	ScrollPosition      Point                `json:"scrollPosition"`
	Annotations         []Annotation         `json:"annotations"`
	StyleModifications  []StyleModification  `json:"styleModifications"`
	InspectedElement    *ElementDescriptor   `json:"inspectedElement,omitempty"`
	SpacingTokenChanges []SpacingTokenChange `json:"spacingTokenChanges,omitempty"`
}

// ParsePayload decodes a feedback JSON document.
func ParsePayload(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// AnnotationIDs returns the ordered annotation ids in the payload.
func (p *Payload) AnnotationIDs() []string {
	ids := make([]string, 0, len(p.Annotations))
	for _, a := range p.Annotations {
		ids = append(ids, a.ID)
	}
	return ids
}

// ElementIdentifiers returns the element selectors the payload references,
// used by the thread store for continuation matching. Order follows the
// annotations; duplicates are removed.
func (p *Payload) ElementIdentifiers() []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(sel string) {
		if sel == "" || seen[sel] {
			return
		}
		seen[sel] = true
		ids = append(ids, sel)
	}
	for _, a := range p.Annotations {
		for _, el := range a.Elements {
			add(el.Selector)
		}
		add(a.LinkedSelector)
	}
	return ids
}

// Summary produces a short human-readable digest of the payload for thread
// messages: annotation instructions joined, falling back to counts.
func (p *Payload) Summary() string {
	var summary string
	for _, a := range p.Annotations {
		if a.Instruction == "" {
			continue
		}
		if summary != "" {
			summary += "; "
		}
		summary += a.Instruction
	}
	return summary
}
