package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/popmelt/bridge/internal/feedback"
	"github.com/popmelt/bridge/internal/job"
	"github.com/popmelt/bridge/internal/parser"
	"github.com/popmelt/bridge/internal/thread"
)

// Response-format fragments appended to prompts so the agent's output can
// be parsed back out of the free text.

const resolutionFormat = `After finishing, output a <resolution> block containing a JSON array with one entry per annotation:
<resolution>[{"annotationId": "<id from above>", "status": "resolved" | "needs_review", "summary": "<what you changed>", "files": ["<paths touched>"], "declaredScope": {"breadth": "instance" | "pattern", "target": "element" | "component" | "token"}}]</resolution>
If anything is unclear, ask instead by emitting <question>your question</question> and change nothing.
If you notice a reusable pattern the design system lacks, also emit:
<novel>[{"category": "token" | "component" | "element", "element": "<selector>", "decision": "<what you did>", "reason": "<why it generalizes>"}]</novel>`

const planFormat = `Do not modify any files. Output a <plan> block containing a JSON array of tasks:
<plan>[{"id": "task-1", "instruction": "<one concrete change>", "region": {"x": 0, "y": 0, "width": 0, "height": 0}}]</plan>
Region coordinates are viewport pixels locating the affected area. If the goal is ambiguous, ask with <question>…</question> instead of planning.`

const reviewFormat = `Do not modify any files. Judge whether the executed tasks satisfied their instructions and output:
<review>{"verdict": "pass" | "fail", "summary": "<overall judgement>", "issues": ["<each concrete problem found>"]}</review>`

// buildPrompt constructs the agent prompt for a job from its feedback,
// phase, and bounded thread history.
func buildPrompt(j *job.Job, history []thread.Message) string {
	switch j.Phase {
	case job.PhasePlanner:
		return buildPlannerPrompt(j, history)
	case job.PhaseExecutor:
		return buildExecutorPrompt(j)
	case job.PhaseReviewer:
		return buildReviewerPrompt(j)
	}
	if j.Reply != "" {
		return buildReplyPrompt(j, history)
	}
	return buildFeedbackPrompt(j, history)
}

func buildFeedbackPrompt(j *job.Job, history []thread.Message) string {
	var b strings.Builder
	b.WriteString("You are resolving visual UI feedback left directly on a running page.\n\n")
	writeHistory(&b, history)
	writePageContext(&b, j.PageURL, j.Feedback)

	if j.Feedback != nil {
		if len(j.Feedback.Annotations) > 0 {
			b.WriteString("Annotations to resolve:\n")
			for _, a := range j.Feedback.Annotations {
				writeAnnotation(&b, a)
			}
			b.WriteString("\n")
		}
		writeStyleModifications(&b, j.Feedback.StyleModifications)
		writeSpacingChanges(&b, j.Feedback.SpacingTokenChanges)
	}

	b.WriteString("A screenshot of the annotated page accompanies this request")
	if j.ScreenshotPath != "" {
		fmt.Fprintf(&b, " at %s", j.ScreenshotPath)
	}
	b.WriteString(".\n\n")
	b.WriteString(resolutionFormat)
	return b.String()
}

func buildReplyPrompt(j *job.Job, history []thread.Message) string {
	var b strings.Builder
	b.WriteString("You are continuing an earlier UI-feedback conversation.\n\n")
	writeHistory(&b, history)
	fmt.Fprintf(&b, "The human replied:\n%s\n\n", j.Reply)
	if len(j.ReplyImages) > 0 {
		fmt.Fprintf(&b, "They attached %d image(s): %s\n\n",
			len(j.ReplyImages), strings.Join(j.ReplyImages, ", "))
	}
	b.WriteString("Apply the reply to the work discussed above.\n\n")
	b.WriteString(resolutionFormat)
	return b.String()
}

func buildPlannerPrompt(j *job.Job, history []thread.Message) string {
	var b strings.Builder
	b.WriteString("You are planning a batch of UI changes. Study the code and the screenshot, then break the goal into small independent tasks.\n\n")
	fmt.Fprintf(&b, "Goal: %s\n\n", j.Goal)
	writeHistory(&b, history)
	if j.Reply != "" {
		fmt.Fprintf(&b, "The human answered your question:\n%s\n\nPlan again with this answer.\n\n", j.Reply)
	}
	writePageContext(&b, j.PageURL, j.Feedback)
	if j.Manifest != "" {
		fmt.Fprintf(&b, "Component manifest:\n%s\n\n", j.Manifest)
	}
	if j.Feedback != nil && len(j.Feedback.Annotations) > 0 {
		b.WriteString("Context annotations:\n")
		for _, a := range j.Feedback.Annotations {
			writeAnnotation(&b, a)
		}
		b.WriteString("\n")
	}
	b.WriteString(planFormat)
	return b.String()
}

func buildExecutorPrompt(j *job.Job) string {
	var b strings.Builder
	b.WriteString("You are executing an approved plan of UI changes. Work through the tasks in order and report each one as soon as it is finished.\n\n")
	b.WriteString("Tasks:\n")
	for _, t := range j.Tasks {
		fmt.Fprintf(&b, "- [%s] %s (region x=%.0f y=%.0f w=%.0f h=%.0f)\n",
			t.ID, t.Instruction, t.Region.X, t.Region.Y, t.Region.Width, t.Region.Height)
	}
	b.WriteString("\nEmit a <resolution> block after EACH task completes, not only at the end; use the task id as the annotationId. ")
	b.WriteString(resolutionFormat)
	return b.String()
}

func buildReviewerPrompt(j *job.Job) string {
	var b strings.Builder
	b.WriteString("You are reviewing UI changes that another agent just executed. A fresh screenshot of the result accompanies this request.\n\n")
	b.WriteString("The executed tasks were:\n")
	for _, t := range j.Tasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.ID, t.Instruction)
	}
	b.WriteString("\n")
	b.WriteString(reviewFormat)
	return b.String()
}

// buildMaterializePrompt asks the agent to fold pattern-scoped decisions
// into the design model.
func buildMaterializePrompt(current map[string]any, decisions []decisionSummary) string {
	var b strings.Builder
	b.WriteString("You are consolidating accepted design decisions into this project's design model. Do not modify any files.\n\n")

	if len(current) > 0 {
		if data, err := json.MarshalIndent(current, "", "  "); err == nil {
			fmt.Fprintf(&b, "Current model:\n%s\n\n", data)
		}
	}

	b.WriteString("Pattern-scoped decisions to fold in:\n")
	for _, d := range decisions {
		fmt.Fprintf(&b, "- [%s] %s\n", d.ID, d.Summary)
	}

	b.WriteString(`
Output the complete updated model as a <model> block containing a single JSON object with top-level keys "tokens" (design token values), "components" (recurring component patterns), and "rules" (plain-language conventions):
<model>{...}</model>`)
	return b.String()
}

func writeHistory(b *strings.Builder, history []thread.Message) {
	if len(history) == 0 {
		return
	}
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		switch m.Role {
		case thread.RoleHuman:
			text := m.Summary
			if m.Reply != "" {
				text = m.Reply
			}
			fmt.Fprintf(b, "Human: %s\n", text)
		case thread.RoleAssistant:
			text := m.Response
			if m.Question != "" {
				text = "(asked) " + m.Question
			}
			fmt.Fprintf(b, "Assistant: %s\n", truncate(text, 600))
		}
	}
	b.WriteString("\n")
}

func writePageContext(b *strings.Builder, pageURL string, fb *feedback.Payload) {
	url := pageURL
	if url == "" && fb != nil {
		url = fb.URL
	}
	if url != "" {
		fmt.Fprintf(b, "Page: %s\n", url)
	}
	if fb != nil && fb.Viewport.W > 0 {
		fmt.Fprintf(b, "Viewport: %dx%d\n", fb.Viewport.W, fb.Viewport.H)
	}
	b.WriteString("\n")
}

func writeAnnotation(b *strings.Builder, a feedback.Annotation) {
	fmt.Fprintf(b, "- [%s] %s", a.ID, a.Type)
	if a.Instruction != "" {
		fmt.Fprintf(b, ": %s", a.Instruction)
	}
	if a.LinkedSelector != "" {
		fmt.Fprintf(b, " (selector: %s)", a.LinkedSelector)
	}
	for _, el := range a.Elements {
		if el.Selector != "" {
			fmt.Fprintf(b, "\n    element: %s", el.Selector)
			if el.Text != "" {
				fmt.Fprintf(b, " %q", truncate(el.Text, 80))
			}
		}
	}
	if a.PastedImageCount > 0 {
		fmt.Fprintf(b, "\n    %d reference image(s) pasted", a.PastedImageCount)
	}
	b.WriteString("\n")
}

func writeStyleModifications(b *strings.Builder, mods []feedback.StyleModification) {
	if len(mods) == 0 {
		return
	}
	b.WriteString("Live style edits the human already tried in the browser (apply them to source):\n")
	for _, m := range mods {
		fmt.Fprintf(b, "- %s:\n", m.Selector)
		for _, c := range m.Changes {
			fmt.Fprintf(b, "    %s: %s -> %s\n", c.Property, c.Original, c.Modified)
		}
	}
	b.WriteString("\n")
}

func writeSpacingChanges(b *strings.Builder, changes []feedback.SpacingTokenChange) {
	if len(changes) == 0 {
		return
	}
	b.WriteString("Spacing token changes:\n")
	for _, c := range changes {
		fmt.Fprintf(b, "- %s: %s -> %s\n", c.Token, c.Original, c.Modified)
	}
	b.WriteString("\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// taskAnnotationIDs lists the plan task ids so executor resolutions can be
// remapped like annotation ids.
func taskAnnotationIDs(tasks []parser.PlanTask) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
