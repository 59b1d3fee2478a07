package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/notify"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/basket/pushkeeper/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// hostClient is a host-integration socket. It receives bus events and may
// click, close and list notifications.
type hostClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *hostClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("role") == roleHost {
		s.handleHostWS(w, r)
		return
	}
	s.handlePageWS(w, r)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(defaultMaxBodyBytes)
	return conn, nil
}

func (s *Server) handlePageWS(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if pageURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	conn, err := s.accept(w, r)
	if err != nil {
		s.logger.Warn("ws: page upgrade failed", "error", err)
		return
	}
	page := s.cfg.Hub.register(conn, pageURL, r.URL.Query().Get("launch"))
	defer func() {
		s.cfg.Hub.unregister(page)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: page read error, closing", "page_id", page.id, "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			_ = page.Post(ctx, protocol.ErrorReply(nil, protocol.ErrCodeParse, err.Error()))
			continue
		}
		if env.IsReply() {
			if !page.resolve(env) {
				s.logger.Debug("ws: unexpected reply", "page_id", page.id, "id", string(env.ID))
			}
			continue
		}
		// Commands run independently; a slow drain must not hold up the
		// replies a pending READY_FOR_MESSAGE is waiting for.
		go s.dispatchPage(context.WithoutCancel(ctx), page, env)
	}
}

func (s *Server) dispatchPage(ctx context.Context, page *pageConn, env protocol.Envelope) {
	ctx = shared.EnsureTraceID(ctx)
	reply, err := s.cfg.Dispatcher.OnMessage(ctx, page, env)
	if err != nil {
		s.logger.Warn("ws: page command failed",
			"trace_id", shared.TraceID(ctx), "page_id", page.id, "command", env.Name(), "error", err)
		if errors.Is(err, agent.ErrShuttingDown) && env.IsRequest() {
			r := protocol.ErrorReply(env.ID, protocol.ErrCodeUnavailable, err.Error())
			reply = &r
		}
	}
	if reply == nil {
		return
	}
	if err := page.Post(ctx, *reply); err != nil {
		s.logger.Warn("ws: page reply failed", "page_id", page.id, "error", err)
	}
}

func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		s.logger.Warn("ws: host upgrade failed", "error", err)
		return
	}
	c := &hostClient{conn: conn}
	s.addHost(c)
	s.logger.Info("ws: host connected")

	ctx, cancel := context.WithCancel(r.Context())
	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe("")
		go s.forwardBusEvents(ctx, c, sub)
	}
	defer func() {
		cancel()
		if sub != nil {
			s.cfg.Bus.Unsubscribe(sub)
		}
		s.removeHost(c)
		s.logger.Info("ws: host disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			_ = c.write(ctx, protocol.ErrorReply(nil, protocol.ErrCodeParse, err.Error()))
			continue
		}
		go func() {
			reqCtx := shared.EnsureTraceID(context.WithoutCancel(ctx))
			reply := s.handleHostRPC(reqCtx, env)
			if reply == nil {
				return
			}
			if err := c.write(ctx, reply); err != nil {
				s.logger.Warn("ws: host reply failed", "method", env.Name(), "error", err)
			}
		}()
	}
}

// handleHostRPC runs one host method. Only requests get a reply.
func (s *Server) handleHostRPC(ctx context.Context, env protocol.Envelope) *protocol.Envelope {
	var (
		result any
		rpcErr *protocol.Error
	)
	switch env.Name() {
	case protocol.MethodHostClick:
		var ref protocol.NotificationRef
		if err := env.DecodeArgs(&ref); err != nil || ref.ID == "" {
			rpcErr = &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "id is required"}
			break
		}
		res, err := s.cfg.Dispatcher.OnNotificationClick(ctx, ref.ID)
		if err != nil {
			rpcErr = hostError(err)
			break
		}
		result = res
	case protocol.MethodHostClose:
		var ref protocol.NotificationRef
		if err := env.DecodeArgs(&ref); err != nil || ref.ID == "" {
			rpcErr = &protocol.Error{Code: protocol.ErrCodeInvalidParams, Message: "id is required"}
			break
		}
		if err := s.cfg.Dispatcher.OnNotificationClose(ctx, ref.ID); err != nil {
			rpcErr = hostError(err)
			break
		}
		result = map[string]any{"closed": true}
	case protocol.MethodHostList:
		result = map[string]any{"notifications": s.cfg.Center.List()}
	default:
		rpcErr = &protocol.Error{Code: protocol.ErrCodeMethodNotFound, Message: "unknown method: " + env.Name()}
	}

	if !env.IsRequest() {
		if rpcErr != nil {
			s.logger.Debug("ws: host notification failed", "method", env.Name(), "error", rpcErr.Message)
		}
		return nil
	}
	if rpcErr != nil {
		r := protocol.ErrorReply(env.ID, rpcErr.Code, rpcErr.Message)
		return &r
	}
	r, err := protocol.Reply(env.ID, result)
	if err != nil {
		r = protocol.ErrorReply(env.ID, protocol.ErrCodeInternal, err.Error())
	}
	return &r
}

func hostError(err error) *protocol.Error {
	switch {
	case errors.Is(err, notify.ErrUnknownNotification):
		return &protocol.Error{Code: protocol.ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, agent.ErrShuttingDown):
		return &protocol.Error{Code: protocol.ErrCodeUnavailable, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.ErrCodeInternal, Message: err.Error()}
	}
}

// forwardBusEvents pushes bus events to a host client until ctx ends.
// Notification topics go out under their own method name; everything else
// is wrapped in agent.event.
func (s *Server) forwardBusEvents(ctx context.Context, c *hostClient, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			var (
				env protocol.Envelope
				err error
			)
			switch ev.Topic {
			case protocol.MethodHostShown, protocol.MethodHostClosed:
				env, err = protocol.Notification(ev.Topic, ev.Payload)
			default:
				env, err = protocol.Notification(protocol.MethodHostEvent, map[string]any{
					"topic":   ev.Topic,
					"payload": ev.Payload,
				})
			}
			if err != nil {
				s.logger.Warn("ws: encode bus event failed", "topic", ev.Topic, "error", err)
				continue
			}
			if err := c.write(ctx, env); err != nil {
				return
			}
		}
	}
}

func (s *Server) addHost(c *hostClient) {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	s.hosts[c] = struct{}{}
}

func (s *Server) removeHost(c *hostClient) {
	s.hostsMu.Lock()
	defer s.hostsMu.Unlock()
	delete(s.hosts, c)
}

func (s *Server) hostCount() int {
	s.hostsMu.RLock()
	defer s.hostsMu.RUnlock()
	return len(s.hosts)
}
