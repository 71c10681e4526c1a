package inventory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	herr "harvest/internal/errors"
	"harvest/internal/logsink"
	"harvest/internal/metrics"
	"harvest/internal/session"
	"harvest/internal/transport"
	"harvest/tunnel"
	"harvest/util"
)

// DefaultPrompt matches the end of a typical shell or device prompt.
const DefaultPrompt = `[$%#>] \z`

// Options resolved from inventory keys.  Anything else is ignored with
// a verbose log line.
var knownOptions = map[string]bool{
	"prompt": true, "timeout": true, "waittime": true, "binmode": true,
	"fail_eof": true, "terminator": true, "eol": true, "max_retry": true,
	"retry_delay": true, "agent": true, "strict_host_key": true,
	"known_hosts": true, "term": true, "pty_width": true, "pty_height": true,
}

// Resolve computes the session options for host name.  Option values
// are layered: overrides, then the host entry, then its template's
// defaults, then the built-in defaults.  Boolean options that are not
// booleans fail with [herr.ErrInvalidArgument] before anything is
// dialled.
func (r *Registry) Resolve(name string, overrides map[string]any) (session.Options, error) {
	h, ok := r.Lookup(name)
	if !ok {
		return session.Options{}, fmt.Errorf("%w: %s", herr.ErrNoHosts, name)
	}
	var tmpl *Template
	if h.Type != "" {
		if tmpl, ok = r.Template(h.Type); !ok {
			r.logger.Verbose("%s: no template %q", name, h.Type)
		}
	}

	layers := []map[string]any{nil, h.Options, overrides}
	if tmpl != nil {
		layers[0] = tmpl.Defaults
	}
	vals := merge(layers...)

	opts := session.Options{Name: name}
	ssh, err := r.sshConfig(h, vals)
	if err != nil {
		return opts, err
	}
	opts.SSH = ssh

	promptExpr := DefaultPrompt
	if tmpl != nil && tmpl.Prompt != "" {
		promptExpr = tmpl.Prompt
	}
	d := decoder{vals: vals}
	promptExpr = d.str("prompt", promptExpr)
	if opts.Prompt, err = session.Compile(promptExpr); err != nil {
		return opts, herr.InvalidArgument("prompt", promptExpr, err.Error())
	}

	opts.Timeout = d.duration("timeout", session.DefaultTimeout)
	opts.Waittime = d.duration("waittime", 0)
	opts.RetryDelay = d.duration("retry_delay", 0)
	opts.Binmode = d.boolean("binmode", false)
	opts.FailEOF = d.boolean("fail_eof", false)
	opts.Terminator = d.str("terminator", "")
	opts.EOL = d.str("eol", "")
	opts.MaxRetry = d.integer("max_retry", 1)
	opts.PTY.Term = d.str("term", "")
	opts.PTY.Width = d.integer("pty_width", 0)
	opts.PTY.Height = d.integer("pty_height", 0)
	if d.err != nil {
		return opts, d.err
	}

	if h.Relay != "" {
		relay, err := r.relayConfig(name, h.Relay)
		if err != nil {
			return opts, err
		}
		opts.Relay = relay
		opts.RelayName = h.Relay
	}

	proxyURL := h.Proxy
	if v, ok := overrides["proxy"].(string); ok && v != "" {
		proxyURL = v
	}
	if proxyURL != "" {
		pd, err := transport.NewProxyDialer(proxyURL, opts.SSH.ConnTimeout)
		if err != nil {
			return opts, herr.InvalidArgument("proxy", proxyURL, err.Error())
		}
		opts.Proxy = pd
	}

	if tmpl != nil && len(tmpl.Commands) > 0 {
		opts.Commands = make(map[string]session.Command, len(tmpl.Commands))
		for cmdName, lines := range tmpl.Commands {
			opts.Commands[cmdName] = bind(lines)
		}
	}

	for _, k := range sortedKeys(vals) {
		if !knownOptions[k] && k != "proxy" {
			r.logger.Verbose("%s: ignoring unknown option %q", name, k)
		}
	}
	return opts, nil
}

func (r *Registry) sshConfig(h *Host, vals map[string]any) (tunnel.SSHConfig, error) {
	d := decoder{vals: vals}
	cfg := tunnel.SSHConfig{
		User:          h.User,
		Host:          h.Address(),
		Port:          h.Port,
		Password:      h.Password,
		KeyPath:       util.ExpandHome(h.Key),
		UseAgent:      d.boolean("agent", false),
		StrictHostKey: d.boolean("strict_host_key", false),
		KnownHosts:    util.ExpandHome(d.str("known_hosts", "")),
	}
	if d.err != nil {
		return cfg, d.err
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	cfg.Normalize()
	return cfg, nil
}

// relayConfig resolves a relay name to the gateway endpoint, using the
// relay's own inventory entry.
func (r *Registry) relayConfig(host, relay string) (*tunnel.SSHConfig, error) {
	if relay == host {
		return nil, herr.InvalidArgument("relay", relay, "a host cannot relay through itself")
	}
	rh, ok := r.Lookup(relay)
	if !ok {
		return nil, fmt.Errorf("%s: relay %q is not in the inventory: %w", host, relay, herr.ErrNoHosts)
	}
	cfg, err := r.sshConfig(rh, merge(r.templateDefaults(rh), rh.Options))
	if err != nil {
		return nil, fmt.Errorf("relay %s: %w", relay, err)
	}
	return &cfg, nil
}

func (r *Registry) templateDefaults(h *Host) map[string]any {
	if t, ok := r.Template(h.Type); ok {
		return t.Defaults
	}
	return nil
}

// bind turns a template command into a session.Command that sends each
// line in turn and returns the combined output.
func bind(lines []string) session.Command {
	lines = append([]string(nil), lines...)
	return func(c *session.Conn) (string, error) {
		var out strings.Builder
		for _, line := range lines {
			s, err := c.Cmd(line)
			out.WriteString(s)
			if err != nil {
				return out.String(), fmt.Errorf("%q: %w", line, err)
			}
		}
		return out.String(), nil
	}
}

// ConnectOptions carries the per-run pieces a session needs besides its
// inventory entry.
type ConnectOptions struct {
	Overrides map[string]any
	Logs      []logsink.Sink
	Gateways  *transport.GatewayPool
	Logger    *util.Logger
	Metrics   *metrics.Collector
}

// Connect resolves name and establishes a session to it.
func (r *Registry) Connect(ctx context.Context, name string, co ConnectOptions) (*session.Conn, error) {
	opts, err := r.Resolve(name, co.Overrides)
	if err != nil {
		return nil, err
	}
	opts.Logs = co.Logs
	opts.Gateways = co.Gateways
	opts.Logger = co.Logger
	opts.Metrics = co.Metrics
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	return session.Establish(ctx, opts)
}

func merge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// decoder reads typed values out of a merged option map, keeping the
// first type error.
type decoder struct {
	vals map[string]any
	err  error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) boolean(key string, def bool) bool {
	v, ok := d.vals[key]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		d.fail(herr.InvalidArgument(key, v, "must be a boolean"))
		return def
	}
	return b
}

func (d *decoder) str(key, def string) string {
	v, ok := d.vals[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		d.fail(herr.InvalidArgument(key, v, "must be a string"))
		return def
	}
	return s
}

func (d *decoder) integer(key string, def int) int {
	v, ok := d.vals[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	}
	d.fail(herr.InvalidArgument(key, v, "must be an integer"))
	return def
}

// duration accepts seconds as a number, or a Go duration string.
func (d *decoder) duration(key string, def time.Duration) time.Duration {
	v, ok := d.vals[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case time.Duration:
		return n
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	case float64:
		return time.Duration(n * float64(time.Second))
	case string:
		if dur, err := time.ParseDuration(n); err == nil {
			return dur
		}
	}
	d.fail(herr.InvalidArgument(key, v, "must be seconds or a duration like 1.5s"))
	return def
}
