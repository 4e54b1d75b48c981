package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/tcudiag/driver"
)

const (
	sendQueueSize  = 256
	writeTimeout   = time.Second
	maxMessageSize = 64
)

type session struct {
	id        uint64
	conn      *websocket.Conn
	sendQueue chan []byte
}

// Server 将一个CAN端口暴露给WebSocket客户端: 总线上的帧广播给所有客户端,
// 客户端发来的帧写到总线上
type Server struct {
	port   driver.CANDriver
	path   string
	logger *slog.Logger

	upgrader *websocket.Upgrader

	sessions    map[uint64]*session
	sessionLock sync.Mutex
	nextID      atomic.Uint64
}

// NewServer serves port at path. port must already be started.
func NewServer(port driver.CANDriver, path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	return &Server{
		port:   port,
		path:   path,
		logger: logger,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[uint64]*session),
	}
}

// Handler returns the HTTP handler that upgrades connections under path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, s.path) {
			http.NotFound(w, r)
			return
		}
		s.handleConnection(w, r)
	})
	return mux
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	return len(s.sessions)
}

// Run broadcasts bus traffic to clients until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	rx := s.port.RxChan()
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case m, ok := <-rx:
			if !ok {
				s.closeAll()
				return errors.New("bridge port closed")
			}
			s.broadcast(EncodeFrame(m))
		}
	}
}

// ListenAndServe runs an HTTP server on addr together with Run.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
	}
	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	go func() { errCh <- s.Run(ctx) }()

	s.logger.Info("CAN bridge listening", "addr", addr, "path", s.path)
	err := <-errCh
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := &session{
		id:        s.nextID.Add(1),
		conn:      conn,
		sendQueue: make(chan []byte, sendQueueSize),
	}
	s.sessionLock.Lock()
	s.sessions[sess.id] = sess
	s.sessionLock.Unlock()

	log := s.logger.With("session", sess.id, "remote", r.RemoteAddr)
	log.Info("bridge client connected")

	go s.writeLoop(sess, log)
	s.readLoop(sess, log)

	s.remove(sess)
	log.Info("bridge client disconnected")
}

func (s *Server) readLoop(sess *session, log *slog.Logger) {
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("bridge read failed", "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		m, err := DecodeFrame(data)
		if err != nil {
			log.Debug("bad bridge frame dropped", "error", err)
			continue
		}
		if err := s.port.Write(m); err != nil {
			log.Warn("bridge write to bus failed", "id", fmt.Sprintf("0x%X", m.ID), "error", err)
		}
	}
}

func (s *Server) writeLoop(sess *session, log *slog.Logger) {
	for data := range sess.sendQueue {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sess.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			log.Debug("bridge send failed", "error", err)
			_ = sess.conn.Close()
			return
		}
	}
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = sess.conn.Close()
}

func (s *Server) broadcast(data []byte) {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	for _, sess := range s.sessions {
		select {
		case sess.sendQueue <- data:
		default:
			s.logger.Warn("bridge client too slow, frame dropped", "session", sess.id)
		}
	}
}

func (s *Server) remove(sess *session) {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		close(sess.sendQueue)
	}
}

func (s *Server) closeAll() {
	s.sessionLock.Lock()
	defer s.sessionLock.Unlock()
	for id, sess := range s.sessions {
		delete(s.sessions, id)
		close(sess.sendQueue)
	}
}
