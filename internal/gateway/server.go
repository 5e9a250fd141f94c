package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/1ureka/interlink/internal/channel"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServerOptions configures the websocket endpoint.
type ServerOptions struct {
	// Token, when set, must be presented as a bearer token, as the basic
	// auth password, or as the "token" query parameter.
	Token string
	// Accept runs the peer handshake on /peer connections. Without it /peer
	// is not served.
	Accept func(ctx context.Context, ch channel.Channel) error
	// Signal negotiates a data channel over /rtc connections; the result is
	// passed to Accept. Without it /rtc is not served.
	Signal func(ctx context.Context, conn *websocket.Conn) (channel.Channel, error)
}

// Server exposes a gateway over websockets:
//
//	/ws    raw routing handle (the preferred endpoint for other processes)
//	/peer  handshake through Accept
//	/rtc   WebRTC signaling, then handshake through Accept
//
// Every route accepts ?codec=cbor for binary frames.
type Server struct {
	gw   *Gateway
	opts ServerOptions
	mux  *http.ServeMux
}

func NewServer(gw *Gateway, opts ServerOptions) *Server {
	s := &Server{gw: gw, opts: opts, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleGateway)
	if opts.Accept != nil {
		s.mux.HandleFunc("/peer", s.handlePeer)
		if opts.Signal != nil {
			s.mux.HandleFunc("/rtc", s.handleRTC)
		}
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe listens on addr until ctx is cancelled and returns the
// bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	srv := &http.Server{Handler: s}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			util.LogError("websocket endpoint stopped: %v", err)
		}
	}()

	return listener.Addr(), nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}

	presented := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	} else if _, pass, ok := r.BasicAuth(); ok {
		presented = pass
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.Token)) == 1
}

// upgrade negotiates the codec and upgrades to a websocket.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, protocol.Codec, bool) {
	codec, err := protocol.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, nil, false
	}
	return conn, codec, true
}

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, codec, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ws := channel.NewWebSocket(conn, codec)
	h, err := s.gw.Connect(ws)
	if err != nil {
		util.LogWarning("rejecting %s: %v", r.RemoteAddr, err)
		ws.Close()
		return
	}

	util.LogInfo("[%08x] gateway client connected from %s", util.Tag(h.ID()), r.RemoteAddr)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, codec, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	ws := channel.NewWebSocket(conn, codec)
	if err := s.opts.Accept(context.Background(), ws); err != nil {
		util.LogWarning("peer from %s rejected: %v", r.RemoteAddr, err)
	}
}

func (s *Server) handleRTC(w http.ResponseWriter, r *http.Request) {
	conn, _, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ch, err := s.opts.Signal(context.Background(), conn)
	if err != nil {
		util.LogWarning("signaling with %s failed: %v", r.RemoteAddr, err)
		return
	}
	if err := s.opts.Accept(context.Background(), ch); err != nil {
		util.LogWarning("rtc peer from %s rejected: %v", r.RemoteAddr, err)
	}
}
