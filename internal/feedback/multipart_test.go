package feedback

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multipartRequest(t *testing.T, build func(w *multipart.Writer)) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	build(w)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/send", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func writeField(t *testing.T, w *multipart.Writer, name, value string) {
	t.Helper()
	require.NoError(t, w.WriteField(name, value))
}

func writeFile(t *testing.T, w *multipart.Writer, name string, data []byte) {
	t.Helper()
	fw, err := w.CreateFormFile(name, name+".png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
}

const feedbackJSON = `{
	"timestamp": 1724660000000,
	"url": "http://localhost:3000/pricing",
	"viewport": {"w": 1440, "h": 900},
	"scrollPosition": {"x": 0, "y": 120},
	"annotations": [
		{"id": "ann-1", "type": "note", "instruction": "make this bolder",
		 "elements": [{"selector": ".pricing-card h2", "text": "Pro"}]},
		{"id": "ann-2", "type": "note", "linkedSelector": ".cta", "pastedImageCount": 1}
	],
	"styleModifications": [
		{"selector": ".cta", "element": {"selector": ".cta"},
		 "changes": [{"property": "background", "original": "#eee", "modified": "#222"}]}
	]
}`

func TestParseSubmissionFullForm(t *testing.T) {
	req := multipartRequest(t, func(w *multipart.Writer) {
		writeFile(t, w, "screenshot", []byte("png-bytes"))
		writeField(t, w, "feedback", feedbackJSON)
		writeField(t, w, "provider", "codex")
		writeField(t, w, "model", "gpt-5")
		writeField(t, w, "sourceId", "tab-7")
		writeFile(t, w, "image-ann-2-0", []byte("pasted-0"))
		writeFile(t, w, "image-ann-2-1", []byte("pasted-1"))
		writeFile(t, w, "image-reply-0", []byte("reply-img"))
	})

	sub, appErr := ParseSubmission(req, ParseOptions{RequireScreenshot: true, RequireFeedback: true})
	require.Nil(t, appErr)

	assert.Equal(t, []byte("png-bytes"), sub.Screenshot)
	assert.Equal(t, "codex", sub.Provider)
	assert.Equal(t, "tab-7", sub.SourceID)

	require.NotNil(t, sub.Feedback)
	assert.Equal(t, "http://localhost:3000/pricing", sub.Feedback.URL)
	assert.Equal(t, []string{"ann-1", "ann-2"}, sub.Feedback.AnnotationIDs())

	// Annotation ids contain dashes; the index is split off the last one.
	require.Len(t, sub.AnnotationImages["ann-2"], 2)
	assert.Equal(t, []byte("pasted-0"), sub.AnnotationImages["ann-2"][0])
	require.Len(t, sub.ReplyImages, 1)
}

func TestParseSubmissionMissingScreenshot(t *testing.T) {
	req := multipartRequest(t, func(w *multipart.Writer) {
		writeField(t, w, "feedback", feedbackJSON)
	})

	_, appErr := ParseSubmission(req, ParseOptions{RequireScreenshot: true})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
	assert.Contains(t, appErr.Message, "screenshot")
}

func TestParseSubmissionBadFeedbackJSON(t *testing.T) {
	req := multipartRequest(t, func(w *multipart.Writer) {
		writeFile(t, w, "screenshot", []byte("png"))
		writeField(t, w, "feedback", "{broken")
	})

	_, appErr := ParseSubmission(req, ParseOptions{RequireScreenshot: true})
	require.NotNil(t, appErr)
	assert.Contains(t, appErr.Message, "feedback")
}

func TestParseSubmissionNotMultipart(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")

	_, appErr := ParseSubmission(req, ParseOptions{})
	require.NotNil(t, appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.HTTPStatus)
}

func TestParseSubmissionOptionalFeedback(t *testing.T) {
	req := multipartRequest(t, func(w *multipart.Writer) {
		writeFile(t, w, "screenshot", []byte("png"))
		writeField(t, w, "goal", "tighten the hero section")
		writeField(t, w, "viewport", `{"w": 1280, "h": 720}`)
	})

	sub, appErr := ParseSubmission(req, ParseOptions{RequireScreenshot: true})
	require.Nil(t, appErr)
	assert.Nil(t, sub.Feedback)
	assert.Equal(t, "tighten the hero section", sub.Goal)
	require.NotNil(t, sub.Viewport)
	assert.Equal(t, 1280, sub.Viewport.W)
}

func TestElementIdentifiers(t *testing.T) {
	p, err := ParsePayload([]byte(feedbackJSON))
	require.NoError(t, err)
	assert.Equal(t, []string{".pricing-card h2", ".cta"}, p.ElementIdentifiers())
	assert.Equal(t, "make this bolder", p.Summary())
}
