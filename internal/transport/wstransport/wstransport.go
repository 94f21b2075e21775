// Package wstransport exposes the call router over SIP-over-WebSocket
// (RFC 7118), grounded on the teacher's src/sharded/server.go connection
// handling and go-server's internal/auth JWT verification. Each
// WebSocket connection delivers raw SIP messages read with
// gobwas/ws/wsutil straight into the router's ingest path; nothing here
// parses SIP beyond what internal/sipmsg already does.
package wstransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/nksip/callrouter/internal/callrouter"
	"github.com/nksip/callrouter/internal/sipmsg"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
)

// Claims is the JWT payload this transport expects; AppID names the SIP
// application the connection is allowed to inject messages for,
// mirroring go-server's auth.Claims shape.
type Claims struct {
	AppID string `json:"appId"`
	jwt.RegisteredClaims
}

// Server accepts WebSocket connections and feeds them into a Router.
type Server struct {
	addr   string
	secret []byte
	router *callrouter.Router
	logger zerolog.Logger

	listener net.Listener
	http     *http.Server
}

// NewServer builds a WebSocket SIP transport. An empty secret disables
// JWT verification (local/dev use only, never in production config).
func NewServer(addr, secret string, router *callrouter.Router, logger zerolog.Logger) *Server {
	return &Server{
		addr:   addr,
		secret: []byte(secret),
		router: router,
		logger: logger.With().Str("component", "wstransport").Logger(),
	}
}

// Start listens and serves in the background, mirroring
// ShardedServer.startHTTPServer's shape.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/sip", s.handleWebSocket)

	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ws transport serve error")
		}
	}()
	return nil
}

// Shutdown stops accepting new connections and closes the listener.
// Upgraded WebSocket connections have been hijacked from the
// http.Server, so Shutdown does not close them; each one closes when its
// readLoop returns.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	appID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.logger.Info().Str("app_id", appID).Str("remote", r.RemoteAddr).Msg("sip websocket connected")
	go s.readLoop(conn, appID)
}

// readLoop is grounded on ShardedServer.readPump: no buffering, one raw
// text or binary frame per SIP message, classified and injected via the router's
// ingest entry points rather than handed to a per-client command parser
// (this transport has nothing resembling subscribe/unsubscribe).
func (s *Server) readLoop(conn net.Conn, appID string) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		raw, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			s.logger.Debug().Err(err).Str("app_id", appID).Msg("sip websocket closed")
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText, ws.OpBinary:
			s.ingest(appID, raw)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) ingest(appID string, raw []byte) {
	msg := sipmsg.New(appID, raw)
	class, _, err := msg.Classify()
	if err != nil {
		s.logger.Warn().Err(err).Str("app_id", appID).Msg("dropping unparseable sip message")
		return
	}

	switch class {
	case callrouter.ClassRequest:
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if _, err := s.router.IngestSync(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Str("app_id", appID).Msg("sip request ingest failed")
		}
	case callrouter.ClassResponse:
		s.router.IngestAsync(msg)
	}
}

// authenticate mirrors go-server's JWTManager.WebSocketAuth: token read
// from the query string, falling back to the Authorization header.
func (s *Server) authenticate(r *http.Request) (string, error) {
	if len(s.secret) == 0 {
		appID := r.URL.Query().Get("appId")
		if appID == "" {
			appID = "default"
		}
		return appID, nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = extractBearer(r)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	return claims.AppID, nil
}

func extractBearer(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
