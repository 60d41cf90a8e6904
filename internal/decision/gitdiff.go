package decision

import (
	"bytes"
	"context"
	"os/exec"

	"go.uber.org/zap"
)

// maxDiffBytes caps the captured working-tree diff so a runaway diff never
// bloats a decision record.
const maxDiffBytes = 512 * 1024

// captureDiff runs `git diff` in the project root with a short timeout.
// Any failure (no git, not a repo, timeout) returns "" and the record is
// persisted without a diff.
func (s *Store) captureDiff() string {
	ctx, cancel := context.WithTimeout(context.Background(), s.diffTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "diff")
	cmd.Dir = s.proj.Root

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		s.logger.Debug("git diff capture skipped", zap.Error(err))
		return ""
	}

	diff := out.Bytes()
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes]
	}
	return string(diff)
}
