// Package sshserver runs the SSH protocol engine of internal/sshcore
// as a TCP server: an accept loop in the shape of the tunnel package's
// proxy server, handing each connection to a Session instead of
// relaying bytes to an upstream target.
package sshserver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sshcore/internal/auth"
	"sshcore/internal/kex"
	"sshcore/internal/sshcore"
)

// DefaultListenAddress is the default address the SSH server listens
// on (all interfaces).
const DefaultListenAddress = "0.0.0.0"

// DefaultListenPort is the default port the SSH server listens on.
const DefaultListenPort = 2222

// Server accepts TCP connections and drives one sshcore.Session per
// connection to completion.
type Server struct {
	host string
	port int

	hostKey kex.HostKey
	creds   auth.CredentialSource
	cfg     *sshcore.Config

	running     bool
	sessions    sync.Map // map[*sshcore.Session]struct{}
	activeCount int32
}

// NewServer constructs a Server that will authenticate connections
// against creds and offer hostKey during key exchange.
func NewServer(host string, port int, hostKey kex.HostKey, creds auth.CredentialSource) *Server {
	return &Server{
		host:    host,
		port:    port,
		hostKey: hostKey,
		creds:   creds,
		cfg:     sshcore.DefaultConfig(),
	}
}

func (s *Server) add(sess *sshcore.Session) {
	s.sessions.Store(sess, struct{}{})
	log.Println("sshserver: session added, active:", atomic.AddInt32(&s.activeCount, 1))
}

func (s *Server) remove(sess *sshcore.Session) {
	s.sessions.Delete(sess)
	log.Println("sshserver: session removed, active:", atomic.AddInt32(&s.activeCount, -1))
}

// ListenAndServe listens on host:port and spawns one goroutine per
// accepted connection until the listener is closed.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen: %w", err)
	}
	defer ln.Close()
	s.running = true
	log.Printf("sshserver: listening on %s", addr)

	for s.running {
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(time.Now().Add(2 * time.Second))
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("sshserver: accept: %w", err)
		}
		go s.handle(conn)
	}
	return nil
}

// Stop signals ListenAndServe's accept loop to exit at its next
// timeout tick.
func (s *Server) Stop() { s.running = false }

func (s *Server) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	sess := sshcore.NewServerSession(conn, s.cfg, s.hostKey, s.creds)
	sess.OnAuthenticated = func(user string) {
		log.Printf("sshserver: %s authenticated as %q", remote, user)
	}
	s.add(sess)
	defer s.remove(sess)
	defer conn.Close()

	if err := sess.Handshake(); err != nil {
		log.Printf("sshserver: %s: handshake failed: %v", remote, err)
		return
	}

	for {
		err := sess.Dispatch()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			log.Printf("sshserver: %s: connection closed", remote)
			return
		}
		if classified := sess.CloseOnError(err); classified != nil {
			var authErr *sshcore.AuthError
			var chanErr *sshcore.ChannelError
			if errors.As(classified, &authErr) || errors.As(classified, &chanErr) {
				log.Printf("sshserver: %s: recoverable error: %v", remote, classified)
				continue
			}
			log.Printf("sshserver: %s: session ended: %v", remote, classified)
			return
		}
	}
}
