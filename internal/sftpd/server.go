// Package sftpd runs the SSH side of the SFTP server: listener, host key,
// public-key authentication against the security perimeter, and one protocol
// dispatcher per accepted channel.
package sftpd

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/tera-insights/xferd/internal/access"
	"github.com/tera-insights/xferd/internal/rootfs"
	"github.com/tera-insights/xferd/internal/sftp"
)

// serverVersion is the SSH banner; deliberately content-free.
const serverVersion = "SSH-2.0-xferd"

// defaultIdleTimeout tears down connections with no traffic.
const defaultIdleTimeout = 10 * time.Minute

// Server accepts SSH connections and serves the SFTP subsystem on their
// session channels.
type Server struct {
	Addr        string
	HostKeyPath string
	Resolver    *rootfs.Resolver
	Keys        *access.KeyStore
	Limiter     *access.RateLimiter
	Tracker     *access.Tracker
	IdleTimeout time.Duration

	// pending release obligations between auth callback and connection
	// teardown, keyed by remote address
	pending sync.Map
}

// Run listens on Addr and serves until ctx is cancelled. A bind or host key
// failure is returned immediately; accept errors are retried with backoff.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.Addr)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from an already bound listener until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	sshConfig, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	defer listener.Close()
	lgr.Printf("[INFO] sftpd listening on %s root=%s keys=%d", listener.Addr(), s.Resolver.Root(), s.Keys.Len())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 2 * time.Second
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				lgr.Printf("[INFO] sftpd shutdown completed")
				return nil
			}
			wait := bo.NextBackOff()
			lgr.Printf("[WARN] accept error, retrying in %s: %v", wait, err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		bo.Reset()
		go s.handleConnection(conn, sshConfig)
	}
}

func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{
		ServerVersion:     serverVersion,
		MaxAuthTries:      6,
		PublicKeyCallback: s.authenticate,
	}
	hostKey, err := loadOrGenerateHostKey(s.HostKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "setup host key")
	}
	config.AddHostKey(hostKey)
	return config, nil
}

// authenticate is the public-key auth callback: rate limiter first (a locked
// out source never reaches the key check), then the key store, then the
// connection tracker. An acquired tracker slot is parked in s.pending until
// the connection owns it.
func (s *Server) authenticate(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	src := remoteIP(meta.RemoteAddr())
	user := meta.User()

	if !s.Limiter.Allowed(src) {
		access.AuditAuthFailure(src, user, "rate limit lockout")
		return nil, errors.New("too many authentication attempts")
	}

	if !s.Keys.IsAuthorized(key.Type(), key.Marshal()) {
		s.Limiter.Failure(src)
		access.AuditAuthFailure(src, user, "unauthorized public key")
		if s.Limiter.LockedOut(src) {
			access.AuditLockout(src)
		}
		return nil, errors.New("unauthorized public key")
	}

	// the ssh library invokes this callback twice per login (key probe, then
	// signature check); give back a slot parked by the earlier invocation so
	// one login never holds two
	remote := meta.RemoteAddr().String()
	if prev, loaded := s.pending.LoadAndDelete(remote); loaded {
		prev.(func())()
	}

	release, err := s.Tracker.Acquire(user)
	if err != nil {
		access.AuditAuthFailure(src, user, "concurrent session limit")
		return nil, errors.Wrap(err, "connection limit")
	}

	s.Limiter.Success(src)
	s.pending.Store(remote, release)
	return &ssh.Permissions{}, nil
}

// takeRelease claims the tracker release parked by the auth callback. The
// returned func is safe to call even when authentication never completed.
func (s *Server) takeRelease(remote net.Addr) func() {
	if v, ok := s.pending.LoadAndDelete(remote.String()); ok {
		return v.(func())
	}
	return func() {}
}

func (s *Server) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	remote := conn.RemoteAddr()
	release := func() {}
	defer func() { release() }()

	idle := s.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(newTimeoutConn(conn, idle), config)
	// whatever happened, the parked slot now belongs to this goroutine
	release = s.takeRelease(remote)
	if err != nil {
		lgr.Printf("[WARN] SSH handshake failed from %s: %v", remote, err)
		return
	}
	defer sshConn.Close()

	session := uuid.New().String()
	access.AuditAuthSuccess(remoteIP(remote), sshConn.User(), session)

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			if err := newChan.Reject(ssh.UnknownChannelType, "unknown channel type"); err != nil {
				lgr.Printf("[WARN] error rejecting channel: %v", err)
			}
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			lgr.Printf("[WARN] could not accept channel: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(channel, requests, session, remote)
		}()
	}
	wg.Wait()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, session string, remote net.Addr) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if len(req.Payload) < 5 || string(req.Payload[4:]) != "sftp" {
				replyRequest(req, false)
				continue
			}
			replyRequest(req, true)
			s.serveSubsystem(channel, session, remote)
			return

		case "shell":
			// no interactive shell here; say so and hang up
			replyRequest(req, true)
			if _, err := io.WriteString(channel, "SFTP access only, interactive shell not available\r\n"); err != nil {
				lgr.Printf("[WARN] error writing to channel: %v", err)
			}
			return

		case "pty-req", "env":
			// accepted for client compatibility
			replyRequest(req, true)

		default:
			replyRequest(req, false)
		}
	}
}

func (s *Server) serveSubsystem(channel ssh.Channel, session string, remote net.Addr) {
	lgr.Printf("[DEBUG] starting SFTP subsystem session=%s remote=%s", session, remote)
	d := sftp.NewDispatcher(channel, s.Resolver, session, remote.String())
	if err := d.Serve(); err != nil && errors.Cause(err) != io.EOF {
		lgr.Printf("[WARN] SFTP session ended with error session=%s: %v", session, err)
		return
	}
	lgr.Printf("[DEBUG] SFTP session ended session=%s", session)
}

func replyRequest(req *ssh.Request, accept bool) {
	if err := req.Reply(accept, nil); err != nil {
		lgr.Printf("[WARN] failed to reply to %s request: %v", req.Type, err)
	}
}

func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
