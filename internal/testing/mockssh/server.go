// Package mockssh provides an in-process ssh server for bridge and sftp
// tests.
package mockssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecHandler serves one exec request. rw is the channel's stdin and
// stdout. The returned code is sent as the exit status.
type ExecHandler func(command string, rw io.ReadWriter) int

// Server is an ssh server listening on a loopback port.
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	users    map[string]string
	keys     []ssh.PublicKey
	exec     ExecHandler
	sftpRoot string
	sftp     bool

	mu       sync.Mutex
	commands []string
	channels []ssh.Channel
	conns    []net.Conn

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithUser adds a user/password pair.
func WithUser(username, password string) Option {
	return func(s *Server) { s.users[username] = password }
}

// WithAuthorizedKey accepts key for any user.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) { s.keys = append(s.keys, key) }
}

// WithExec serves exec requests with h.
func WithExec(h ExecHandler) Option {
	return func(s *Server) { s.exec = h }
}

// WithSFTP enables the sftp subsystem rooted at dir.
func WithSFTP(dir string) Option {
	return func(s *Server) { s.sftp, s.sftpRoot = true, dir }
}

// New starts a server. The default user is test/test.
func New(opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{
		users:   map[string]string{"test": "test"},
		hostKey: signer.PublicKey(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if want, ok := s.users[c.User()]; ok && string(password) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range s.keys {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey { return s.hostKey }

// Commands returns the exec commands received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropAll closes every open channel, as if the link went down.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		ch.Close()
	}
	s.channels = nil
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.DropAll()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Debug("accept error", slog.String("error", err.Error()))
				continue
			}
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()
	defer nc.Close()

	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		slog.Debug("ssh handshake failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.channels = append(s.channels, ch)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleChannel(ch, requests)
	}
}

func (s *Server) handleChannel(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := parseString(req.Payload)
			if s.exec == nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, command)
			s.mu.Unlock()
			req.Reply(true, nil)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				sendExitStatus(ch, s.exec(command, ch))
			}()

		case "subsystem":
			if !s.sftp || parseString(req.Payload) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			srv, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.sftpRoot))
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				srv.Serve()
				srv.Close()
			}()

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func sendExitStatus(ch ssh.Channel, code int) {
	ch.CloseWrite()
	status := struct{ Status uint32 }{uint32(code)}
	ch.SendRequest("exit-status", false, ssh.Marshal(&status))
	ch.Close()
}

// parseString decodes the single ssh string in exec and subsystem payloads.
func parseString(payload []byte) string {
	var msg struct{ Value string }
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return ""
	}
	return msg.Value
}
