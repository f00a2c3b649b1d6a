package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rendis/reqflow/pkg/schema"
)

// PluginConfig describes one plugin executable.
type PluginConfig struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args,omitempty"`
	Env     []string      `json:"env,omitempty"`
	Hooks   []Hook        `json:"hooks,omitempty"` // empty means every hook
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (c PluginConfig) handles(hook Hook) bool {
	if len(c.Hooks) == 0 {
		return true
	}
	for _, h := range c.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}

// PluginManager runs plugin executables for lifecycle hooks. Each
// invocation starts the process with the hook name as its first argument,
// writes the payload as JSON on stdin and reads the reply from stdout.
// Plugins for one hook run in registration order, each seeing the
// previous plugin's output.
type PluginManager struct {
	plugins []PluginConfig
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewPluginManager creates an empty PluginManager.
func NewPluginManager(logger *slog.Logger) *PluginManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginManager{logger: logger}
}

// LoadPlugin registers a plugin after checking its command resolves.
func (pm *PluginManager) LoadPlugin(config PluginConfig) error {
	if config.Command == "" {
		return fmt.Errorf("plugin %q has no command", config.Name)
	}
	if config.Name == "" {
		config.Name = config.Command
	}
	if _, err := exec.LookPath(config.Command); err != nil {
		return fmt.Errorf("plugin %q: %w", config.Name, err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, p := range pm.plugins {
		if p.Name == config.Name {
			return fmt.Errorf("plugin %q already loaded", config.Name)
		}
	}
	pm.plugins = append(pm.plugins, config)
	pm.logger.Info("plugin loaded", slog.String("name", config.Name), slog.String("command", config.Command))
	return nil
}

// Names returns the loaded plugin names in registration order.
func (pm *PluginManager) Names() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, len(pm.plugins))
	for i, p := range pm.plugins {
		out[i] = p.Name
	}
	return out
}

// Has reports whether any plugin handles hook.
func (pm *PluginManager) Has(hook Hook) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.plugins {
		if p.handles(hook) {
			return true
		}
	}
	return false
}

// Invoke runs every plugin registered for hook. A non-zero exit, a
// malformed reply or a reply with abort set returns a PLUGIN_ERROR.
func (pm *PluginManager) Invoke(ctx context.Context, hook Hook, payload *Payload) (*Payload, error) {
	pm.mu.RLock()
	plugins := make([]PluginConfig, 0, len(pm.plugins))
	for _, p := range pm.plugins {
		if p.handles(hook) {
			plugins = append(plugins, p)
		}
	}
	pm.mu.RUnlock()

	cur := payload
	cur.Hook = hook
	for _, p := range plugins {
		next, err := pm.run(ctx, p, hook, cur)
		if err != nil {
			return cur, err
		}
		if next.Abort {
			msg := next.Error
			if msg == "" {
				msg = "aborted by plugin"
			}
			return next, pluginError(p.Name, hook, cur.Step, errors.New(msg))
		}
		cur = next
	}
	return cur, nil
}

func (pm *PluginManager) run(ctx context.Context, p PluginConfig, hook Hook, payload *Payload) (*Payload, error) {
	input, err := json.Marshal(payload)
	if err != nil {
		return nil, pluginError(p.Name, hook, payload.Step, fmt.Errorf("marshal payload: %w", err))
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{string(hook)}, p.Args...)
	cmd := exec.CommandContext(runCtx, p.Command, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	pm.logger.Debug("plugin invoked",
		slog.String("name", p.Name),
		slog.String("hook", string(hook)),
		slog.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, pluginError(p.Name, hook, payload.Step, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return payload, nil
	}
	var next Payload
	if err := json.Unmarshal(out, &next); err != nil {
		return nil, pluginError(p.Name, hook, payload.Step, fmt.Errorf("invalid reply: %w", err))
	}
	// Identity fields are not the plugin's to change.
	next.Hook = hook
	next.Workflow = payload.Workflow
	next.Step = payload.Step
	next.Attempt = payload.Attempt
	return &next, nil
}

func pluginError(name string, hook Hook, step string, cause error) *schema.ReqflowError {
	return schema.NewErrorf(schema.ErrCodePlugin, "plugin %s (%s): %s", name, hook, cause.Error()).
		WithStep(step).
		WithCause(cause).
		WithDetails(map[string]any{"plugin": name, "hook": string(hook)})
}
