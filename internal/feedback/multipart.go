package feedback

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/popmelt/bridge/internal/common/errors"
)

// maxPartSize caps any single multipart part (screenshots and pasted
// images). Larger parts fail the request rather than the process.
const maxPartSize = 32 << 20 // 32 MiB

// Submission is the decoded multipart body of /send, /reply, /plan and the
// plan phase endpoints. Binary parts are read fully into memory; the caller
// moves them to scratch storage.
type Submission struct {
	Screenshot []byte
	Feedback   *Payload

	Color    string
	Provider string
	Model    string
	Goal     string
	PageURL  string
	PlanID   string
	SourceID string
	ThreadID string
	Reply    string
	Manifest string
	TasksRaw string // tasks JSON for /plan/execute

	Viewport *Viewport

	// AnnotationImages maps annotation id to its ordered pasted images,
	// collected from parts named image-<annotationId>-<index>.
	AnnotationImages map[string][][]byte

	// ReplyImages are pasted images on a thread reply (image-reply-<index>).
	ReplyImages [][]byte
}

// ParseOptions control which fields a given endpoint requires.
type ParseOptions struct {
	RequireScreenshot bool
	RequireFeedback   bool
}

// ParseSubmission reads a multipart request body. It streams parts in
// arrival order so pasted images never buffer the whole form twice.
func ParseSubmission(r *http.Request, opts ParseOptions) (*Submission, *apperrors.AppError) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, apperrors.InvalidRequest("request body is not multipart: missing or invalid boundary")
	}

	sub := &Submission{
		AnnotationImages: make(map[string][][]byte),
	}
	var feedbackRaw []byte

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperrors.InvalidRequestf("failed to read multipart body: %v", err)
		}

		name := part.FormName()
		data, readErr := readPart(part)
		_ = part.Close()
		if readErr != nil {
			return nil, apperrors.InvalidRequestf("failed to read part %q: %v", name, readErr)
		}

		switch name {
		case "screenshot":
			sub.Screenshot = data
		case "feedback":
			feedbackRaw = data
		case "color":
			sub.Color = string(data)
		case "provider":
			sub.Provider = string(data)
		case "model":
			sub.Model = string(data)
		case "goal":
			sub.Goal = string(data)
		case "pageUrl":
			sub.PageURL = string(data)
		case "planId":
			sub.PlanID = string(data)
		case "sourceId":
			sub.SourceID = string(data)
		case "threadId":
			sub.ThreadID = string(data)
		case "reply":
			sub.Reply = string(data)
		case "manifest":
			sub.Manifest = string(data)
		case "tasks":
			sub.TasksRaw = string(data)
		case "viewport":
			var vp Viewport
			if err := json.Unmarshal(data, &vp); err != nil {
				return nil, apperrors.InvalidRequestf("invalid viewport JSON: %v", err)
			}
			sub.Viewport = &vp
		default:
			if strings.HasPrefix(name, "image-") {
				if err := sub.attachImage(name, data); err != nil {
					return nil, apperrors.InvalidRequestf("invalid image field %q: %v", name, err)
				}
			}
			// Unknown fields are ignored: older clients send extras.
		}
	}

	if opts.RequireScreenshot && len(sub.Screenshot) == 0 {
		return nil, apperrors.InvalidRequest("screenshot part is required")
	}

	if len(feedbackRaw) > 0 {
		payload, err := ParsePayload(feedbackRaw)
		if err != nil {
			return nil, apperrors.InvalidRequestf("invalid feedback JSON: %v", err)
		}
		sub.Feedback = payload
	} else if opts.RequireFeedback {
		return nil, apperrors.InvalidRequest("feedback part is required")
	}

	return sub, nil
}

// attachImage routes image-reply-<i> and image-<annotationId>-<i> parts.
// Annotation ids may themselves contain dashes, so the index is split off
// the final segment.
func (s *Submission) attachImage(name string, data []byte) error {
	rest := strings.TrimPrefix(name, "image-")

	if idx, ok := strings.CutPrefix(rest, "reply-"); ok {
		if _, err := strconv.Atoi(idx); err != nil {
			return fmt.Errorf("bad reply image index %q", idx)
		}
		s.ReplyImages = append(s.ReplyImages, data)
		return nil
	}

	sep := strings.LastIndex(rest, "-")
	if sep <= 0 {
		return fmt.Errorf("expected image-<annotationId>-<index>")
	}
	annotationID := rest[:sep]
	if _, err := strconv.Atoi(rest[sep+1:]); err != nil {
		return fmt.Errorf("bad image index %q", rest[sep+1:])
	}
	s.AnnotationImages[annotationID] = append(s.AnnotationImages[annotationID], data)
	return nil
}

func readPart(part *multipart.Part) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxPartSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPartSize {
		return nil, fmt.Errorf("part exceeds %d bytes", maxPartSize)
	}
	return data, nil
}
