package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// scanBufSize sizes the stdout scanner buffer. Agent CLIs emit whole JSON
// messages per line and a large tool result can be several megabytes.
const scanBufSize = 10 * 1024 * 1024

// lineHandler translates one provider's native stream lines into uniform
// events and accumulates the terminal state.
type lineHandler interface {
	// HandleLine parses one stdout line. Unparseable lines are ignored.
	HandleLine(line []byte, emit func(StreamEvent))

	// Finish produces the terminal state after the stream ends.
	Finish() (sessionID, text, failure string)
}

// runCLI spawns argv in req.Dir, feeds stdout lines to the handler, and
// waits for exit. Stdin is closed immediately; the prompt always travels
// through argv.
func runCLI(ctx context.Context, log *logger.Logger, req RunRequest, argv []string, handler lineHandler) (*RunResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = bytes.NewReader(nil)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}
	log.Debug("agent process started",
		zap.String("binary", argv[0]),
		zap.Int("pid", cmd.Process.Pid))

	if req.OnProcess != nil {
		req.OnProcess(cmd.Process)
	}

	emit := func(ev StreamEvent) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		handler.HandleLine(line, emit)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	sessionID, text, failure := handler.Finish()

	res := &RunResult{SessionID: sessionID, Text: text}

	switch {
	case waitErr == nil && failure == "":
		res.Success = true
	case ctx.Err() == context.DeadlineExceeded:
		res.Error = fmt.Sprintf("agent timed out after %s", req.Timeout)
	case wasSignalled(waitErr):
		res.Cancelled = true
		res.Error = CancelledMessage
	case failure != "":
		res.Error = failure
	default:
		res.Error = exitMessage(waitErr, stderr.Bytes())
	}

	if scanErr != nil {
		log.Warn("agent stream read error", zap.Error(scanErr))
	}
	log.Debug("agent process exited",
		zap.String("binary", argv[0]),
		zap.Bool("success", res.Success),
		zap.Bool("cancelled", res.Cancelled))

	return res, nil
}

// wasSignalled reports whether the process died from a termination signal,
// which is how operator cancellation reaches it.
func wasSignalled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() &&
		(status.Signal() == syscall.SIGTERM || status.Signal() == syscall.SIGINT || status.Signal() == syscall.SIGKILL)
}

// exitMessage turns an exit error plus captured stderr into a short
// human-readable failure string.
func exitMessage(err error, stderr []byte) string {
	msg := "agent exited abnormally"
	if err != nil {
		msg = err.Error()
	}
	tail := bytes.TrimSpace(stderr)
	if len(tail) == 0 {
		return msg
	}
	if len(tail) > 500 {
		tail = tail[len(tail)-500:]
	}
	return fmt.Sprintf("%s: %s", msg, tail)
}
