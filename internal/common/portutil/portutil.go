// Package portutil binds the bridge's loopback port, walking a window of
// ports and recognizing an already-running instance for the same project.
package portutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/popmelt/bridge/internal/common/logger"
)

// ErrPortWindowExhausted is returned when no port in the window could be bound.
var ErrPortWindowExhausted = errors.New("no free port in window")

// probeTimeout bounds the loopback status probe on an occupied port.
const probeTimeout = 750 * time.Millisecond

// Handle is the result of port arbitration. When Existing is true another
// bridge instance already serves this project; the handle reports its port
// and Close is a no-op.
type Handle struct {
	Listener net.Listener
	Port     int
	Existing bool
}

// Close releases the listener. Closing a handle for an existing instance
// does nothing: the other process owns the port.
func (h *Handle) Close() error {
	if h.Existing || h.Listener == nil {
		return nil
	}
	return h.Listener.Close()
}

// statusResponse is the subset of /status used to identify an instance.
type statusResponse struct {
	OK        bool   `json:"ok"`
	ProjectID string `json:"projectId"`
}

// Bind tries basePort and up to window-1 subsequent ports on host. On a
// collision it probes the occupant's /status endpoint: a matching projectId
// means our own prior instance already serves this project and a no-op
// handle is returned. Unrelated occupants are skipped.
func Bind(host string, basePort, window int, projectID string, log *logger.Logger) (*Handle, error) {
	for port := basePort; port < basePort+window; port++ {
		addr := fmt.Sprintf("%s:%d", host, port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			log.Info("bound port", zap.Int("port", port))
			return &Handle{Listener: listener, Port: port}, nil
		}

		occupant, probeErr := probe(host, port)
		if probeErr == nil && occupant.OK && occupant.ProjectID == projectID {
			log.Info("existing bridge instance serves this project",
				zap.Int("port", port),
				zap.String("project_id", projectID))
			return &Handle{Port: port, Existing: true}, nil
		}

		log.Debug("port occupied by unrelated process, walking up",
			zap.Int("port", port))
	}
	return nil, fmt.Errorf("%w: %d-%d", ErrPortWindowExhausted, basePort, basePort+window-1)
}

// probe fetches the status endpoint of whatever occupies host:port.
func probe(host string, port int) (*statusResponse, error) {
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Get(fmt.Sprintf("http://%s:%d/status", host, port))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status probe returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
