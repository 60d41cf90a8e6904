package parser

import "strings"

// Stream incrementally parses resolutions from an ever-growing output
// buffer. The plan-executor streams agent output into it and broadcasts
// resolutions as they complete instead of waiting for the final response.
//
// The policy is parse-and-dedupe-by-position: every call reparses the whole
// buffer, and only entries beyond the previously returned count are handed
// back. A Stream is not safe for concurrent use; the processor owns one per
// executor job.
type Stream struct {
	buf     strings.Builder
	emitted int
}

// NewStream returns an empty incremental parser.
func NewStream() *Stream {
	return &Stream{}
}

// Append adds streamed agent text to the buffer.
func (s *Stream) Append(text string) {
	s.buf.WriteString(text)
}

// ParseNew reparses the buffer and returns resolutions added since the last
// call. Entries that later turn invalid cannot be recalled; only complete,
// valid entries are ever returned.
func (s *Stream) ParseNew() []Resolution {
	all := parseAllResolutions(s.buf.String())
	if len(all) <= s.emitted {
		return nil
	}
	fresh := all[s.emitted:]
	s.emitted = len(all)
	return fresh
}

// Buffer returns the accumulated text.
func (s *Stream) Buffer() string {
	return s.buf.String()
}

// parseAllResolutions collects valid entries from every complete
// <resolution> block in text, in order.
func parseAllResolutions(text string) []Resolution {
	var all []Resolution
	rest := text
	for {
		start := strings.Index(rest, "<"+TagResolution+">")
		if start < 0 {
			break
		}
		rest = rest[start+len(TagResolution)+2:]
		end := strings.Index(rest, "</"+TagResolution+">")
		if end < 0 {
			break
		}
		all = append(all, parseResolutionArray(strings.TrimSpace(rest[:end]))...)
		rest = rest[end:]
	}
	return all
}
