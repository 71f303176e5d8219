package signal

import (
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server accepts signaling WebSocket connections on /ws and hands each one,
// already adapted to the Signaler contract, to the session factory.
type Server struct {
	handle        func(*Conn)
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	listener      net.Listener
}

// NewServer creates a signaling server. handle is invoked on its own
// goroutine per accepted connection.
func NewServer(handle func(*Conn), loggerFactory logging.LoggerFactory) *Server {
	return &Server{
		handle:        handle,
		loggerFactory: loggerFactory,
		log:           loggerFactory.NewLogger("signal"),
	}
}

// Start begins listening on addr. Pass ":0" for a random port; the assigned
// port is returned.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	s.log.Infof("signaling server listening on port %d", port)
	return port, nil
}

// Close stops accepting new connections. Sessions already handed off keep
// their channels.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("websocket upgrade: %v", err)
		return
	}

	s.log.Infof("signaling peer connected from %s", r.RemoteAddr)
	go s.handle(NewConn(ws, s.loggerFactory))
}
