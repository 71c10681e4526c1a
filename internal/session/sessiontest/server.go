package sessiontest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server that runs Remote for every shell
// request and forwards direct-tcpip channels, so it can also act as a
// relay gateway.
type Server struct {
	Addr     string
	Password string

	remote   *Remote
	listener net.Listener
	conns    atomic.Int32
	forwards atomic.Int32
	wg       sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1 accepting user/password and
// serving remote.  It is shut down when the test ends.
func NewServer(t testing.TB, remote *Remote, user, password string) *Server {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{Addr: ln.Addr().String(), Password: password, remote: remote, listener: ln}
	s.wg.Add(1)
	go s.accept(cfg)
	t.Cleanup(s.Close)
	return s
}

// Host and Port split Addr.
func (s *Server) Host() string {
	h, _, _ := net.SplitHostPort(s.Addr)
	return h
}

func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(p)
	return n
}

// Conns returns the number of SSH connections accepted.
func (s *Server) Conns() int { return int(s.conns.Load()) }

// Forwards returns the number of direct-tcpip channels served.
func (s *Server) Forwards() int { return int(s.forwards.Load()) }

// Close stops accepting connections.
func (s *Server) Close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) accept(cfg *ssh.ServerConfig) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc, cfg)
	}
}

func (s *Server) serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer sc.Close()
	s.conns.Add(1)
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		switch nch.ChannelType() {
		case "session":
			ch, reqs, err := nch.Accept()
			if err != nil {
				continue
			}
			go s.serveSession(ch, reqs)
		case "direct-tcpip":
			go s.serveForward(nch)
		default:
			nch.Reject(ssh.UnknownChannelType, "unsupported channel type") //nolint:errcheck
		}
	}
}

func (s *Server) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			ok := !s.remote.RejectPty
			if ok {
				s.remote.mu.Lock()
				s.remote.ptyTerm = ptyTerm(req.Payload)
				s.remote.mu.Unlock()
			}
			req.Reply(ok, nil) //nolint:errcheck
		case "shell":
			if s.remote.RejectShell {
				req.Reply(false, nil) //nolint:errcheck
				continue
			}
			req.Reply(true, nil) //nolint:errcheck
			s.remote.sessions.Add(1)
			go func() {
				s.remote.Serve(ch, ch) //nolint:errcheck
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0})) //nolint:errcheck
				ch.Close()
			}()
		default:
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}

func (s *Server) serveForward(nch ssh.NewChannel) {
	var target struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(nch.ExtraData(), &target); err != nil {
		nch.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
		return
	}
	addr := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
	up, err := net.Dial("tcp", addr)
	if err != nil {
		nch.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	ch, reqs, err := nch.Accept()
	if err != nil {
		up.Close()
		return
	}
	s.forwards.Add(1)
	go ssh.DiscardRequests(reqs)

	go func() {
		io.Copy(up, ch) //nolint:errcheck
		up.Close()
	}()
	io.Copy(ch, up) //nolint:errcheck
	ch.Close()
}

// ptyTerm extracts the TERM string from a pty-req payload.
func ptyTerm(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}
