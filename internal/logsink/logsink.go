// Package logsink fans session output out to a set of destinations.
//
// A [Sink] names either a pre-opened stream (stdout, an in-memory
// buffer) or a file path.  File sinks are opened lazily on first
// enable, parent directories included, and are owned by the
// [Registry]: [Registry.Close] releases them.  Streams are never closed.
package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"harvest/util"
)

// Sink identifies one log destination.
type Sink struct {
	id   string
	path string
	w    io.Writer
}

// File returns a sink backed by the file at path.  The file is opened
// in append mode when the sink is first enabled.
func File(path string) Sink {
	clean := filepath.Clean(path)
	return Sink{id: "file:" + clean, path: clean}
}

// Stream returns a sink that writes to w.  name must be unique among
// the sinks of one registry; w is never closed by the registry.
func Stream(name string, w io.Writer) Sink {
	return Sink{id: "stream:" + name, w: w}
}

// ID returns the sink's identity.
func (s Sink) ID() string { return s.id }

// Path returns the file path of a file sink, or "" for a stream.
func (s Sink) Path() string { return s.path }

func (s Sink) String() string { return s.id }

// Registry tracks which sinks are active and holds their resolved
// writers.  It is owned by a single session and is not safe for
// concurrent use.
type Registry struct {
	resolved map[string]io.Writer
	owned    map[string]*os.File
	active   []string
	logger   *util.Logger
}

// New returns an empty registry.  Per-sink write failures are reported
// through logger; a nil logger discards them.
func New(logger *util.Logger) *Registry {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Registry{
		resolved: make(map[string]io.Writer),
		owned:    make(map[string]*os.File),
		logger:   logger,
	}
}

// Enable resolves s and adds it to the active set.  Enabling an active
// sink is a no-op.
func (r *Registry) Enable(s Sink) error {
	if s.id == "" {
		return fmt.Errorf("logsink: zero sink")
	}
	if r.IsActive(s) {
		return nil
	}
	if _, err := r.resolve(s); err != nil {
		return err
	}
	r.active = append(r.active, s.id)
	return nil
}

// Disable removes s from the active set without closing it.
func (r *Registry) Disable(s Sink) {
	for i, id := range r.active {
		if id == s.id {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return
		}
	}
}

// IsActive reports whether s is currently receiving output.
func (r *Registry) IsActive(s Sink) bool {
	for _, id := range r.active {
		if id == s.id {
			return true
		}
	}
	return false
}

// Active returns the ids of the active sinks in sorted order.
func (r *Registry) Active() []string {
	ids := append([]string(nil), r.active...)
	sort.Strings(ids)
	return ids
}

// With enables s for the duration of fn.  Afterwards s is active again
// only if it was active before the call, even when fn fails or panics.
func (r *Registry) With(s Sink, fn func() error) error {
	was := r.IsActive(s)
	defer r.restore(s, was)
	if err := r.Enable(s); err != nil {
		return err
	}
	return fn()
}

// Without disables s for the duration of fn, restoring it afterwards.
func (r *Registry) Without(s Sink, fn func() error) error {
	was := r.IsActive(s)
	defer r.restore(s, was)
	r.Disable(s)
	return fn()
}

func (r *Registry) restore(s Sink, active bool) {
	if active {
		// Already resolved, so this cannot fail.
		_ = r.Enable(s)
		return
	}
	r.Disable(s)
}

// FanOut writes p to every active sink.  A failing sink is logged and
// skipped; the others still receive p.
func (r *Registry) FanOut(p []byte) {
	if len(p) == 0 {
		return
	}
	for _, id := range r.active {
		w := r.resolved[id]
		if _, err := w.Write(p); err != nil {
			r.logger.Warn("log sink %s: %v", id, err)
		}
	}
}

// Write implements io.Writer on top of FanOut.  It never fails.
func (r *Registry) Write(p []byte) (int, error) {
	r.FanOut(p)
	return len(p), nil
}

// Close deactivates every sink and closes the files the registry
// opened.  The first close error is returned.
func (r *Registry) Close() error {
	r.active = nil
	var first error
	for id, f := range r.owned {
		if err := f.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", id, err)
		}
		delete(r.owned, id)
		delete(r.resolved, id)
	}
	return first
}

func (r *Registry) resolve(s Sink) (io.Writer, error) {
	if w, ok := r.resolved[s.id]; ok {
		return w, nil
	}
	if s.w != nil {
		r.resolved[s.id] = s.w
		return s.w, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("logsink: create log directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", s.path, err)
	}
	r.resolved[s.id] = f
	r.owned[s.id] = f
	return f, nil
}
