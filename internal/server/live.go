package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/echopanel/internal/concurrency"
	"github.com/MrWong99/echopanel/internal/protocol"
	"github.com/MrWong99/echopanel/internal/session"
)

const (
	// readLimit fits a few seconds of base64 audio in one frame.
	readLimit = 4 << 20

	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
)

// live upgrades to a WebSocket and serves one session on it.
func (s *Server) live(w http.ResponseWriter, r *http.Request) {
	authErr := s.checkToken(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Debug("server: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.base, cancel)()

	log := slog.With("remote", r.RemoteAddr)

	if authErr != nil {
		s.deps.Metrics.RecordRejected(ctx, "unauthorized")
		log.Warn("server: rejected connection", "reason", "unauthorized")
		s.reject(ctx, conn, websocket.StatusCode(protocol.CloseUnauthorized), "unauthorized")
		return
	}

	if err := s.deps.Limiter.AcquireSession(ctx, s.cfg.AdmissionTimeout); err != nil {
		if errors.Is(err, concurrency.ErrServerBusy) {
			s.deps.Metrics.RecordRejected(ctx, "server_busy")
			log.Warn("server: rejected connection", "reason", "server_busy", "stats", s.deps.Limiter.Stats())
			s.reject(ctx, conn, websocket.StatusTryAgainLater, "server_busy")
			return
		}
		conn.CloseNow()
		return
	}
	defer s.deps.Limiter.ReleaseSession()

	s.sessions.Add(1)
	defer s.sessions.Done()

	t := &wsTransport{conn: conn}
	sess := session.New(t, *s.sessCfg.Load(), session.Deps{
		Models:      s.deps.Models,
		Store:       s.deps.Store,
		Limiter:     s.deps.Limiter,
		NewAnalyzer: s.deps.NewAnalyzer,
		Diarizer:    s.deps.Diarizer,
		Indexer:     s.deps.Indexer,
		Metrics:     s.deps.Metrics,
	})

	err = s.serve(ctx, sess, t)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errInternal), errors.Is(err, session.ErrInternal):
		conn.Close(websocket.StatusInternalError, "internal error")
	case errors.Is(err, session.ErrProviderFatal):
		log.Warn("server: session failed", "session_id", sess.ID(), "err", err)
		conn.Close(websocket.StatusInternalError, "provider failed")
	case websocket.CloseStatus(err) != -1:
		log.Debug("server: client closed", "session_id", sess.ID(), "status", websocket.CloseStatus(err))
		conn.CloseNow()
	default:
		log.Debug("server: connection ended", "session_id", sess.ID(), "err", err)
		conn.CloseNow()
	}
}

var errInternal = errors.New("server: internal error")

// serve runs sess and converts a panic into an opaque internal error that
// the client can quote when reporting it.
func (s *Server) serve(ctx context.Context, sess *session.Session, t *wsTransport) (err error) {
	defer func() {
		if v := recover(); v != nil {
			id := uuid.NewString()
			slog.Error("server: session panicked",
				"session_id", sess.ID(),
				"error_id", id,
				"panic", v,
				"stack", string(debug.Stack()),
			)
			_ = t.Send(context.WithoutCancel(ctx), protocol.NewInternalError(id))
			err = fmt.Errorf("%w: %v", errInternal, v)
		}
	}()
	return sess.Run(ctx)
}

// reject sends one error status and closes with code.
func (s *Server) reject(ctx context.Context, conn *websocket.Conn, code websocket.StatusCode, reason string) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, protocol.NewError(reason)); err != nil {
		conn.CloseNow()
		return
	}
	conn.Close(code, reason)
}

// wsTransport adapts a WebSocket connection to [session.Transport].
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageBinary, nil
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, v)
}
