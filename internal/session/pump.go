package session

import (
	"errors"
	"io"
	"sync"
	"time"

	"harvest/internal/metrics"
	"harvest/util"
)

// pump owns the duplex byte channel to the remote shell.
//
// A reader goroutine moves chunks off the channel's stdout into a
// queue; it never touches pending or eof.  Every state change happens
// on the goroutine that drives the session, in drainOnce and wait.
type pump struct {
	w       io.Writer
	chunks  chan []byte
	done    chan struct{}
	stop    sync.Once
	pending []byte
	eof     bool
	readErr error // set by the reader before chunks is closed
	metrics *metrics.Collector
}

func newPump(r io.Reader, w io.Writer, m *metrics.Collector) *pump {
	p := &pump{
		w:       w,
		chunks:  make(chan []byte, 64),
		done:    make(chan struct{}),
		metrics: m,
	}
	go p.readLoop(r)
	return p
}

func (p *pump) readLoop(r io.Reader) {
	defer close(p.chunks)
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		n, err := r.Read(*buf)
		if n > 0 {
			chunk := append([]byte(nil), (*buf)[:n]...)
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.readErr = err
			}
			return
		}
	}
}

// drainOnce moves every chunk already queued by the reader into
// pending without blocking, and records closure of the channel.
func (p *pump) drainOnce() {
	for !p.eof {
		select {
		case b, ok := <-p.chunks:
			p.receive(b, ok)
		default:
			return
		}
	}
}

// wait blocks until a chunk arrives, the channel closes, or d elapses.
// d < 0 waits forever and d == 0 only polls.  It reports whether the
// channel became ready; a closed channel is always ready.
func (p *pump) wait(d time.Duration) bool {
	if p.eof {
		return true
	}
	if d == 0 {
		select {
		case b, ok := <-p.chunks:
			p.receive(b, ok)
			return true
		default:
			return false
		}
	}

	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b, ok := <-p.chunks:
		p.receive(b, ok)
		return true
	case <-timeout:
		return false
	}
}

func (p *pump) receive(b []byte, ok bool) {
	if !ok {
		p.eof = true
		return
	}
	p.metrics.BytesReceived(int64(len(b)))
	p.pending = append(p.pending, b...)
}

// available reports whether the reader has queued bytes not yet drained.
func (p *pump) available() bool {
	return len(p.chunks) > 0
}

// take returns and clears pending.
func (p *pump) take() []byte {
	b := p.pending
	p.pending = nil
	return b
}

// send writes b to the channel and drains once.
func (p *pump) send(b []byte) error {
	n, err := p.w.Write(b)
	p.metrics.BytesSent(int64(n))
	p.drainOnce()
	return err
}

// err returns the read error that ended the stream, if any.  Only
// meaningful once eof is set.
func (p *pump) err() error {
	if !p.eof {
		return nil
	}
	return p.readErr
}

func (p *pump) close() {
	p.stop.Do(func() { close(p.done) })
}
