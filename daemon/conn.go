package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/projecteru2/core/log"
	"golang.org/x/time/rate"

	"github.com/projecteru2/vmcpd/hypervisor"
	"github.com/projecteru2/vmcpd/interaction"
	"github.com/projecteru2/vmcpd/negotiation"
	"github.com/projecteru2/vmcpd/registry"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/version"
)

const (
	writeTimeout = 10 * time.Second
	// actionClose releases a session from the registry.
	actionClose = "close"
	// actionShutdown stops the daemon; privileged connections only.
	actionShutdown = "stop"

	errNoSession = "Unable to find a session with the specified session id!"
)

// connection is one WebSocket client.
type connection struct {
	id         string
	core       *Core
	ws         *websocket.Conn
	domain     string
	privileged atomic.Bool
	ui         *interaction.Remote
	limiter    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	workers sync.WaitGroup
}

func newConnection(parent context.Context, core *Core, ws *websocket.Conn, domain string) *connection {
	ctx, cancel := context.WithCancel(parent)
	c := &connection{
		id:      uuid.NewString(),
		core:    core,
		ws:      ws,
		domain:  domain,
		limiter: rate.NewLimiter(rate.Limit(core.conf.ActionRate), core.conf.ActionBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.ui = interaction.NewRemote(func(_ context.Context, kind interaction.Kind, title, body string) error {
		return c.sendEvent("interact", "", []any{string(kind), title, body})
	})
	return c
}

func (c *connection) owner() registry.Owner { return registry.Owner(c.id) }

// serve reads frames until the peer goes away or the server closes, then
// releases everything the connection holds.
func (c *connection) serve() {
	logger := log.WithFunc("daemon.serve")
	logger.Infof(c.ctx, "connection %s from %q opened", c.id, c.domain)
	c.core.metrics.ConnectionOpened()

	go func() {
		<-c.ctx.Done()
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warnf(c.ctx, "connection %s read: %v", c.id, err)
			}
			break
		}
		c.dispatch(data)
	}
	c.teardown()
}

func (c *connection) teardown() {
	logger := log.WithFunc("daemon.teardown")
	c.cancel()
	c.ui.Cancel()
	c.workers.Wait()
	ctx := context.WithoutCancel(c.ctx)
	n := c.core.registry.ReleaseAll(ctx, c.owner())
	c.core.metrics.SetSessions(c.core.registry.Len())
	c.core.metrics.ConnectionClosed()
	logger.Infof(ctx, "connection %s closed, released %d sessions", c.id, n)
}

func (c *connection) dispatch(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "Unable to parse to JSON the incoming request.")
		return
	}
	switch {
	case req.Type == "":
		c.sendError(req.ID, "Missing 'type' parameter in the incoming request.")
		return
	case req.Name == "":
		c.sendError(req.ID, "Missing 'name' parameter in the incoming request.")
		return
	case req.Type != frameAction:
		c.sendError(req.ID, "Unknown request type.")
		return
	}
	if !c.limiter.Allow() {
		c.core.metrics.Action(req.Name, true)
		c.sendError(req.ID, "Too many requests, slow down.")
		return
	}
	c.core.metrics.Action(req.Name, false)
	if req.Data == nil {
		req.Data = types.Payload{}
	}
	c.handle(req)
}

func (c *connection) handle(req request) {
	switch {
	case req.Name == "handshake":
		c.handshake(req)

	case req.Name == "interactionCallback":
		n, ok := req.Data.Int("result")
		if !ok {
			c.sendError(req.ID, "Missing 'result' parameter")
			return
		}
		c.ui.Resolve(interaction.Normalize(interaction.Result(n)))

	case req.Name == "requestSession":
		vmcp, ok := req.Data.String("vmcp")
		if !ok || vmcp == "" {
			c.sendError(req.ID, "Missing 'vmcp' parameter")
			return
		}
		c.core.pipeline.Start(c.ctx, negotiation.Request{
			URL:        vmcp,
			Domain:     c.domain,
			Privileged: c.privileged.Load(),
			Owner:      c.owner(),
			UI:         c.ui,
		}, &eventSink{conn: c, id: req.ID})

	case req.Data.Has("session_id"):
		c.sessionAction(req)

	case req.Name == actionShutdown && c.privileged.Load():
		log.WithFunc("daemon.handle").Infof(c.ctx, "connection %s requested shutdown", c.id)
		c.reply(req.ID, map[string]any{})
		c.core.Shutdown()

	default:
		c.sendError(req.ID, fmt.Sprintf("Unknown action '%s'", req.Name))
	}
}

func (c *connection) handshake(req request) {
	c.reply(req.ID, map[string]any{"version": version.Protocol})
	if key, ok := req.Data.String("auth"); ok {
		granted := c.core.AuthKeyValid(key)
		c.privileged.Store(granted)
		log.WithFunc("daemon.handshake").Infof(c.ctx, "connection %s privileged=%t", c.id, granted)
		_ = c.sendEvent("privileged", "", []any{granted})
	}
}

// sessionAction forwards an action to a session owned by this connection.
// Privileged connections may act on any session.
func (c *connection) sessionAction(req request) {
	n, ok := req.Data.Int("session_id")
	if !ok || n < 0 || n > math.MaxUint32 {
		c.sendError(req.ID, errNoSession)
		return
	}
	rec, found := c.core.registry.Lookup(uint32(n))
	if !found || (rec.Owner != c.owner() && !c.privileged.Load()) {
		c.sendError(req.ID, errNoSession)
		return
	}

	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		logger := log.WithFunc("daemon.sessionAction")
		if req.Name == actionClose {
			c.core.registry.Release(c.ctx, rec.ID)
			c.core.metrics.SetSessions(c.core.registry.Len())
			c.reply(req.ID, map[string]any{"session_id": rec.ID})
			return
		}
		if err := rec.Session.Control(c.ctx, hypervisor.Action(req.Name)); err != nil {
			logger.Warnf(c.ctx, "session %d %s: %v", rec.ID, req.Name, err)
			c.sendError(req.ID, err.Error())
			return
		}
		state := rec.Session.State()
		c.reply(req.ID, map[string]any{"state": state})
		_ = c.sendEvent("stateChanged", req.ID, []any{state})
	}()
}

func (c *connection) reply(id string, data map[string]any) {
	_ = c.write(response{Type: frameResult, ID: id, Data: data})
}

func (c *connection) sendError(id, message string) {
	_ = c.write(response{Type: frameError, ID: id, Error: message})
}

func (c *connection) sendEvent(name, id string, args []any) error {
	if args == nil {
		args = []any{}
	}
	return c.write(response{Type: frameEvent, Name: name, ID: id, Data: args})
}

func (c *connection) write(frame response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(frame); err != nil {
		log.WithFunc("daemon.write").Warnf(c.ctx, "connection %s write %s: %v", c.id, frame.Type, err)
		return err
	}
	return nil
}

// eventSink reports a negotiation as events tagged with the request id.
type eventSink struct {
	conn *connection
	id   string
}

func (s *eventSink) Started() {
	_ = s.conn.sendEvent("started", s.id, nil)
}

func (s *eventSink) Progress(label string, percent float64) {
	_ = s.conn.sendEvent("progress", s.id, []any{label, percent})
}

func (s *eventSink) Failed(message string, code types.Code) {
	_ = s.conn.sendEvent("failed", s.id, []any{message, int(code)})
}

func (s *eventSink) Succeeded(message string, sessionID uint32) {
	_ = s.conn.sendEvent("succeed", s.id, []any{message, sessionID})
}
