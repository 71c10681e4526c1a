package logsink

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter prepends a fixed prefix to every line written through
// it.  Several PrefixWriters sharing one mutex can mirror many hosts
// onto a single stdout without interleaving inside a write.
type PrefixWriter struct {
	w      io.Writer
	prefix []byte
	mu     *sync.Mutex
	midway bool // last write ended without a newline
}

// NewPrefixWriter returns a writer that tags each line with prefix.
// mu may be shared between writers targeting the same w; nil gives the
// writer its own lock.
func NewPrefixWriter(w io.Writer, prefix string, mu *sync.Mutex) *PrefixWriter {
	if mu == nil {
		mu = new(sync.Mutex)
	}
	return &PrefixWriter{w: w, prefix: []byte(prefix), mu: mu}
}

func (p *PrefixWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out bytes.Buffer
	rest := b
	for len(rest) > 0 {
		if !p.midway {
			out.Write(p.prefix)
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			out.Write(rest)
			p.midway = true
			break
		}
		out.Write(rest[:i+1])
		rest = rest[i+1:]
		p.midway = false
	}
	if _, err := p.w.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
