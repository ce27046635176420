// Package ssh dials the host a board is attached to when the board is
// reached through an ssh bridge.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/ports"
)

// ErrNotConnected is returned by methods called after Close.
var ErrNotConnected = errors.New("ssh: not connected")

// Options configures Dial.
type Options struct {
	Host              string
	Port              int
	User              string
	Auth              []ssh.AuthMethod
	HostKeyCallback   ssh.HostKeyCallback
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	Clock             ports.Clock
}

func (o Options) addr() string {
	port := o.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// Client is a connected ssh client with an optional sftp channel.
type Client struct {
	addr string

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
	stop chan struct{}
}

// Dial connects and authenticates.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("ssh: host is required")
	}
	if opts.User == "" {
		return nil, errors.New("ssh: user is required")
	}
	if len(opts.Auth) == 0 {
		return nil, ErrNoAuthMethods
	}
	if opts.HostKeyCallback == nil {
		return nil, errors.New("ssh: host key callback is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}

	addr := opts.addr()
	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            opts.Auth,
		HostKeyCallback: opts.HostKeyCallback,
		Timeout:         opts.Timeout,
	}
	// The handshake does not watch ctx, so bound it with a deadline.
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	} else {
		nc.SetDeadline(time.Now().Add(opts.Timeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	nc.SetDeadline(time.Time{})

	c := &Client{
		addr: addr,
		conn: ssh.NewClient(cc, chans, reqs),
		stop: make(chan struct{}),
	}
	go c.keepalive(opts.Clock, opts.KeepaliveInterval, c.stop)
	return c, nil
}

func (c *Client) keepalive(clock ports.Clock, every time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-clock.After(every):
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		// A dead link shows up as a read error on the session.
		_, _, _ = conn.SendRequest("keepalive@openssh.com", true, nil)
	}
}

// Addr returns host:port.
func (c *Client) Addr() string { return c.addr }

// NewSession opens a session channel.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	s, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return s, nil
}

// SFTP returns an sftp client over the connection, starting it on first use.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	if c.sftp == nil {
		sc, err := sftp.NewClient(c.conn)
		if err != nil {
			return nil, fmt.Errorf("start sftp: %w", err)
		}
		c.sftp = sc
	}
	return c.sftp, nil
}

// Close closes the sftp channel and the connection. It is safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	close(c.stop)

	var errs []error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			errs = append(errs, err)
		}
		c.sftp = nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	c.conn = nil
	return errors.Join(errs...)
}

// IsConnected reports whether Close has not been called.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
