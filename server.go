package ircdd

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"gopkg.in/irc.v3"
)

const serverVersion = "0.1.0"

var keepAlivePeriod = time.Minute

func setKeepAlive(c net.Conn) error {
	tcpConn, ok := c.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot enable keep-alive on a non-TCP connection")
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

type Logger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
}

type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func (l *prefixLogger) Print(v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Print(v...)
}

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}

// Server owns one node: the realm, the accept loop and the heartbeat
// ticker that keeps the node's sessions and memberships alive in the
// store.
type Server struct {
	Hostname          string
	Logger            Logger
	Debug             bool
	Version           string
	CreatedAt         time.Time
	HeartbeatInterval time.Duration
	SessionExpiry     time.Duration

	store Store
	bus   Bus
	realm *Realm

	lock       sync.Mutex
	conns      []*ircConn
	nextConnID uint64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(cfg *Config, store Store, bus Bus, logger Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	s := &Server{
		Hostname:          cfg.Hostname,
		Logger:            logger,
		Debug:             cfg.Debug,
		Version:           serverVersion,
		CreatedAt:         time.Now(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionExpiry:     cfg.SessionExpiry,
		store:             store,
		bus:               bus,
		stop:              make(chan struct{}),
	}
	s.realm = NewRealm(cfg, store, bus, logger)
	return s
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.Hostname}
}

// Start launches the periodic heartbeat loop.
func (s *Server) Start() {
	go func() {
		ticker := time.NewTicker(s.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.heartbeat()
			case <-s.stop:
				return
			}
		}
	}()
}

// heartbeat refreshes the session row for every locally attached user
// and the membership entry for every group that user has joined.
func (s *Server) heartbeat() {
	s.realm.forEachUser(func(u *shardedUser) {
		if err := s.store.HeartbeatUserSession(u.name); err != nil {
			s.Logger.Printf("failed to heartbeat session for %q: %v", u.name, err)
			return
		}
		u.forEachGroup(func(g *shardedGroup) {
			if err := s.store.HeartbeatUserInGroup(g.name, u.name); err != nil {
				s.Logger.Printf("failed to heartbeat %q in %q: %v", u.name, g.name, err)
			}
		})
	})
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
			}
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		setKeepAlive(netConn)
		go s.Handle(netConn)
	}
}

// Handle runs one client connection to completion. Exposed separately
// from Serve so callers can feed it synthetic connections.
func (s *Server) Handle(netConn net.Conn) {
	s.lock.Lock()
	s.nextConnID++
	id := s.nextConnID
	s.lock.Unlock()

	c := newIRCConn(s, netConn, id)

	s.lock.Lock()
	s.conns = append(s.conns, c)
	s.lock.Unlock()

	if err := c.run(); err != nil {
		c.logger.Print(err)
	}
	c.Close()

	s.lock.Lock()
	for i := range s.conns {
		if s.conns[i] == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.lock.Unlock()
}

// Shutdown stops the heartbeat loop and closes every connection, which
// logs each user out and deactivates their sessions.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.lock.Lock()
	conns := make([]*ircConn, len(s.conns))
	copy(conns, s.conns)
	s.lock.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
