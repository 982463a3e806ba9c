// Package server implements the chat server core: transport-agnostic
// packet sessions, the live connection registry with presence fan-out,
// admission control, and the request handlers.
package server

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/straycat/straycat/pkg/authcat"
	"github.com/straycat/straycat/pkg/database"
	"github.com/straycat/straycat/pkg/protocol"
)

// reapInterval is how often deactivated sessions are swept out.
const reapInterval = time.Second

// Server owns the listener, the registry and every durable collaborator.
type Server struct {
	config  TOMLConfig
	version string

	db       *database.DB
	box      *database.MessageBox
	keys     *database.KeyStore
	registry *Registry
	router   *Router
	metrics  *Metrics

	listener net.Listener
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a server from its configuration.
func NewServer(config TOMLConfig, version string) (*Server, error) {
	db, err := database.Open(config.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	box, err := database.NewMessageBox(config.Server.DataDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	keys, err := database.OpenKeyStore(config.Server.KeyStorePath)
	if err != nil {
		db.Close()
		return nil, err
	}

	var push *PushService
	if config.Push.VAPIDPublicKey != "" && config.Push.VAPIDPrivateKey != "" {
		push = NewPushService(config.Push.VAPIDPublicKey, config.Push.VAPIDPrivateKey, config.Push.Subscriber)
	}

	registry := NewRegistry()
	auth := authcat.New(config.Auth.BaseURL)

	return &Server{
		config:   config,
		version:  version,
		db:       db,
		box:      box,
		keys:     keys,
		registry: registry,
		router:   NewRouter(db, box, keys, auth, registry, push, version),
		shutdown: make(chan struct{}),
	}, nil
}

// SetMetrics attaches metrics to the server and its components.
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.registry.SetMetrics(metrics)
	s.router.SetMetrics(metrics)
}

// Start opens the listener and launches the accept and reaper loops.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	var (
		listener net.Listener
		err      error
	)
	if !s.config.Server.NoSSL && s.config.Server.TLSCertPath != "" {
		cert, certErr := tls.LoadX509KeyPair(s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		if certErr != nil {
			return fmt.Errorf("failed to load TLS key pair: %w", certErr)
		}
		listener, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	log.Printf("Server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.reapLoop()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts the server down and waits for its goroutines.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	s.registry.CloseAll()
	return s.db.Close()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		// Admission control: at capacity the client gets one error
		// packet on the raw stream and no session.
		if s.registry.Count() >= s.config.Server.MaxConnections {
			protocol.Encode(conn, protocol.NewError("Server full", "The server cannot currently accept any more connections."))
			conn.Close()
			if s.metrics != nil {
				s.metrics.RecordConnectionRejected()
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	transport, err := NewTransport(conn)
	if err != nil {
		debugLog.Printf("Transport setup failed for %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	sess := s.registry.Add(transport)
	debugLog.Printf("Session %d: connected from %s", sess.ID, transport.RemoteAddr())

	for {
		packets, closeRequested, err := readSequence(transport)
		if err != nil {
			debugLog.Printf("Session %d: read failed: %v", sess.ID, err)
			break
		}
		if closeRequested {
			debugLog.Printf("Session %d: close requested", sess.ID)
			break
		}

		response := s.router.Dispatch(sess, packets)
		if writeErr := sendAll(transport, response); writeErr != nil {
			debugLog.Printf("Session %d: write failed: %v", sess.ID, writeErr)
			break
		}
	}

	sess.Deactivate()
	transport.Close()
}

// readSequence collects one logical packet sequence: every non-final packet
// followed by exactly one final packet. A CLOSE packet anywhere in the
// sequence asks for connection teardown instead.
func readSequence(t PacketTransport) ([]*protocol.Packet, bool, error) {
	var packets []*protocol.Packet
	for {
		p, err := t.NextPacket()
		if err != nil {
			return nil, false, err
		}
		if p.Type == protocol.TypeClose {
			return nil, true, nil
		}
		packets = append(packets, p)
		if p.IsFinal {
			return packets, false, nil
		}
	}
}

func sendAll(t PacketTransport, packets []*protocol.Packet) error {
	for _, p := range packets {
		if err := t.SendPacket(p); err != nil {
			return err
		}
	}
	return nil
}

// reapLoop sweeps deactivated sessions out of the registry once a second
// and runs the offline presence fan-out for authenticated ones.
func (s *Server) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			for _, sess := range s.registry.Reap() {
				sess.Transport.Close()
				if user := sess.User(); user != nil {
					if id, ok := userID(user); ok {
						s.router.notifyPresence(id, user, false)
					}
				}
			}
		}
	}
}
