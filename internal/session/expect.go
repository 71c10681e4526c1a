package session

import (
	"regexp"
	"strings"
	"time"

	herr "harvest/internal/errors"
)

// Matcher decides whether the text accumulated by WaitFor ends the wait.
type Matcher interface {
	Match(text string) bool
	String() string
}

type literal string

// Literal matches text exactly equal to s.  It is not a substring or
// suffix match.
func Literal(s string) Matcher { return literal(s) }

func (l literal) Match(text string) bool { return text == string(l) }
func (l literal) String() string         { return string(l) }

type pattern struct{ re *regexp.Regexp }

// Pattern matches when re finds a match anywhere in the text.  Anchor
// with \z to match only the end of the output.
func Pattern(re *regexp.Regexp) Matcher { return pattern{re} }

// Compile parses expr as a regular expression matcher.
func Compile(expr string) (Matcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return pattern{re}, nil
}

// MustCompile is like Compile but panics on a bad expression.
func MustCompile(expr string) Matcher { return pattern{regexp.MustCompile(expr)} }

// Contains matches text containing s anywhere.
func Contains(s string) Matcher {
	return pattern{regexp.MustCompile(regexp.QuoteMeta(s))}
}

func (p pattern) Match(text string) bool { return p.re.MatchString(text) }
func (p pattern) String() string         { return p.re.String() }

// ExpectOption overrides a session default for one WaitFor or Cmd call.
type ExpectOption func(*expectation)

type expectation struct {
	match    Matcher
	timeout  time.Duration
	waittime time.Duration
	failEOF  bool
}

// WithMatch waits for m instead of the session prompt.
func WithMatch(m Matcher) ExpectOption {
	return func(e *expectation) { e.match = m }
}

// WithTimeout overrides the absolute read timeout; 0 waits forever.
func WithTimeout(d time.Duration) ExpectOption {
	return func(e *expectation) { e.timeout = d }
}

// WithWaittime overrides the settle time.
func WithWaittime(d time.Duration) ExpectOption {
	return func(e *expectation) { e.waittime = d }
}

// WithFailEOF overrides the end-of-stream policy.
func WithFailEOF(fail bool) ExpectOption {
	return func(e *expectation) { e.failEOF = fail }
}

// WaitFor reads from the shell until the prompt (or the WithMatch
// override) matches the text accumulated by this call, and returns
// that text.  Each normalized chunk is passed to onChunk as it
// arrives, and copied to the active log sinks.
//
// The wait ends only when nothing is left to read, the pattern
// matches, and either the stream has ended or no more data shows up
// within the settle time.  If nothing arrives within the timeout while
// the pattern does not match, WaitFor returns the partial text with
// [herr.ErrReadTimeout]; the session stays usable.  When the stream
// ends without a match it returns [herr.ErrUnexpectedEOF] if FailEOF
// is set, and otherwise whatever was read; with nothing read at all,
// onChunk receives nil.
func (c *Conn) WaitFor(onChunk func([]byte), opts ...ExpectOption) (string, error) {
	if c.closed {
		return "", herr.ErrSessionClosed
	}
	e := expectation{
		match:    c.prompt,
		timeout:  c.opts.Timeout,
		waittime: c.opts.Waittime,
		failEOF:  c.opts.FailEOF,
	}
	for _, opt := range opts {
		opt(&e)
	}
	if e.match == nil {
		return "", herr.InvalidArgument("match", nil, "a pattern is required")
	}
	timeout := e.timeout
	if timeout <= 0 {
		timeout = -1
	}

	p := c.pump
	var line strings.Builder
	for {
		idle := !p.available() && len(p.pending) == 0
		matched := e.match.Match(line.String())
		if idle && matched && (p.eof || !p.wait(e.waittime)) {
			break
		}
		if idle && !matched && !p.wait(timeout) {
			c.metrics.ReadTimeout()
			c.logger.Verbose("no data within %v waiting for %s", e.timeout, e.match)
			return line.String(), herr.ErrReadTimeout
		}

		p.drainOnce()
		if raw := p.take(); len(raw) > 0 {
			buf := c.norm.normalize(raw, c.binmode)
			if len(buf) == 0 {
				continue
			}
			line.Write(buf)
			c.logs.FanOut(c.stripEcho(buf))
			if onChunk != nil {
				onChunk(buf)
			}
			continue
		}

		if p.eof {
			if e.match.Match(line.String()) {
				break
			}
			if err := p.err(); err != nil {
				c.logger.Debug("channel closed: %v", err)
			}
			if e.failEOF {
				return line.String(), herr.ErrUnexpectedEOF
			}
			if line.Len() == 0 && onChunk != nil {
				onChunk(nil)
			}
			break
		}
	}
	return line.String(), nil
}

// stripEcho removes the remote echo of the last line sent with Puts
// from buf, consuming it across chunks.  Bytes matching only the start
// of the echo are held back until the rest of it arrives; if the
// output diverges they are released ahead of buf.  Only log output is
// filtered.
func (c *Conn) stripEcho(buf []byte) []byte {
	if len(c.echo) == 0 {
		return buf
	}
	n := 0
	for n < len(buf) && n < len(c.echo) && buf[n] == c.echo[n] {
		n++
	}
	switch {
	case n == len(c.echo):
		c.echo, c.held = nil, nil
		return buf[n:]
	case n == len(buf):
		c.echo = c.echo[n:]
		c.held = append(c.held, buf...)
		return nil
	default:
		// Output diverged from what was sent; stop filtering.
		out := append(c.held, buf...)
		c.echo, c.held = nil, nil
		return out
	}
}

// releaseEcho abandons a partly matched echo, logging what was held.
func (c *Conn) releaseEcho() {
	if len(c.held) > 0 {
		c.logs.FanOut(c.held)
	}
	c.echo, c.held = nil, nil
}
