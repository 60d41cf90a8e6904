package agent

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/popmelt/bridge/internal/common/logger"
)

// Capability describes one installed (or missing) agent CLI.
type Capability struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	MCP       bool   `json:"mcp,omitempty"`
}

// providerOverride is one entry of the optional providers.yaml file that
// lets an operator pin a binary path or add extra CLI arguments.
type providerOverride struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
	MCP    bool     `yaml:"mcp"`
}

type overridesFile struct {
	Providers map[string]providerOverride `yaml:"providers"`
}

// Registry holds the provider adapters and their probed capabilities. The
// capabilities map is read-mostly; Refresh replaces it as a whole object so
// readers never need a lock.
type Registry struct {
	logger    *logger.Logger
	providers map[string]Provider
	order     []string
	caps      atomic.Value // map[string]Capability

	probeMu sync.Mutex
}

// NewRegistry probes the default adapters, applying overrides from the
// providers.yaml file next to the bridge's state when present.
func NewRegistry(overridesPath string, log *logger.Logger) *Registry {
	r := &Registry{
		logger:    log.WithFields(zap.String("component", "provider-registry")),
		providers: make(map[string]Provider),
	}

	overrides := loadOverrides(overridesPath, r.logger)
	claude := overrides["claude"]
	codex := overrides["codex"]

	r.register(NewClaudeProvider(claude.Binary, claude.Args, log))
	r.register(NewCodexProvider(codex.Binary, codex.Args, log))
	r.overrideMCP(overrides)

	r.Refresh()
	return r
}

func (r *Registry) register(p Provider) {
	r.providers[p.Name()] = p
	r.order = append(r.order, p.Name())
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Capabilities returns the last probed capability map.
func (r *Registry) Capabilities() map[string]Capability {
	caps, _ := r.caps.Load().(map[string]Capability)
	return caps
}

// Refresh re-probes PATH for every provider binary and swaps in a fresh
// capability map. Returns the new map and whether anything changed.
func (r *Registry) Refresh() (map[string]Capability, bool) {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()

	prev, _ := r.caps.Load().(map[string]Capability)
	next := make(map[string]Capability, len(r.providers))
	for name, p := range r.providers {
		cap := Capability{MCP: prev[name].MCP}
		if path, err := exec.LookPath(p.Binary()); err == nil {
			cap.Available = true
			cap.Path = path
		}
		next[name] = cap
	}

	changed := len(prev) != len(next)
	if !changed {
		for name, cap := range next {
			if prev[name] != cap {
				changed = true
				break
			}
		}
	}

	r.caps.Store(next)
	if changed {
		r.logger.Info("provider capabilities changed", zap.Any("capabilities", next))
	}
	return next, changed
}

func (r *Registry) overrideMCP(overrides map[string]providerOverride) {
	caps := make(map[string]Capability, len(overrides))
	for name, o := range overrides {
		if o.MCP {
			caps[name] = Capability{MCP: true}
		}
	}
	if len(caps) > 0 {
		r.caps.Store(caps)
	}
}

// loadOverrides reads providers.yaml; a missing file is the normal case.
func loadOverrides(path string, log *logger.Logger) map[string]providerOverride {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("provider overrides unreadable", zap.String("path", path), zap.Error(err))
		}
		return nil
	}
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		log.Warn("provider overrides malformed", zap.String("path", path), zap.Error(err))
		return nil
	}
	return file.Providers
}
