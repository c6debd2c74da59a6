package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Hearth/internal/domain"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// envelope is one inbound frame. Data carries the event payload.
type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// event is one outbound frame.
type event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type ackError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ack struct {
	Type  string    `json:"type"`
	ID    string    `json:"id"`
	OK    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Error *ackError `json:"error,omitempty"`
}

type handler func(ctx context.Context, cl *client, raw json.RawMessage) (any, error)

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: missing payload", domain.ErrValidation)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: bad payload: %v", domain.ErrValidation, err)
	}
	return v, nil
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ping := time.NewTicker(ctl.pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(cl *client, c *wsConn) {
	defer ctl.disconnect(cl, "closed")

	pongWait := ctl.pingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(cl.sid)).Msg("readPump read error")
			}
			return
		}
		if cl.ctx.Err() != nil {
			return
		}
		ctl.Handle(cl.ctx, cl, data)
	}
}

// Handle processes one inbound frame and acknowledges it.
func (ctl *Controller) Handle(ctx context.Context, cl *client, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		metrics.SignalEvents.WithLabelValues("unknown", "invalid").Inc()
		ctl.reply(cl, env.ID, nil, fmt.Errorf("%w: malformed frame", domain.ErrValidation))
		return
	}
	if err := ctl.orch.Presence.Touch(cl.sid); err != nil {
		// the session was swept or replaced underneath this connection
		ctl.reply(cl, env.ID, nil, err)
		ctl.disconnect(cl, "session gone")
		return
	}
	if !ctl.limiter.Allow(cl.identity) {
		metrics.RateLimited.Inc()
		metrics.SignalEvents.WithLabelValues(env.Type, "rate_limited").Inc()
		ctl.reply(cl, env.ID, nil, ErrRateLimited)
		return
	}
	h, ok := ctl.handlers[env.Type]
	if !ok {
		metrics.SignalEvents.WithLabelValues("unknown", "invalid").Inc()
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.reply(cl, env.ID, nil, fmt.Errorf("%w: unknown event %q", domain.ErrValidation, env.Type))
		return
	}

	out, err := h(ctx, cl, env.Data)
	outcome := "ok"
	if err != nil {
		outcome = codeOf(err)
		log.Debug().Str("module", "signal").Str("type", env.Type).Str("identity", string(cl.identity)).Err(err).Msg("event failed")
	}
	metrics.SignalEvents.WithLabelValues(env.Type, outcome).Inc()
	ctl.reply(cl, env.ID, out, err)
}

func (ctl *Controller) reply(cl *client, id string, data any, err error) {
	a := ack{Type: "ack", ID: id, OK: err == nil, Data: data}
	if err != nil {
		a.Data = nil
		a.Error = &ackError{Code: codeOf(err), Message: messageOf(err)}
	}
	ctl.send(cl, a)
}

// send encodes v and queues it, applying the backpressure policy when the client's
// buffer is full.
func (ctl *Controller) send(cl *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	ctl.sendFrame(cl, b)
}

func (ctl *Controller) sendFrame(cl *client, b []byte) {
	err := cl.conn.TrySend(b)
	switch {
	case err == nil:
		cl.dropped.Store(0)
	case errors.Is(err, ErrBackpressure):
		dropped := int(cl.dropped.Add(1))
		switch ctl.policy.OnBackpressure(dropped) {
		case KickMember:
			log.Warn().Str("module", "signal").Str("sid", string(cl.sid)).Int("dropped", dropped).Msg("slow consumer kicked")
			go ctl.disconnect(cl, "slow consumer")
		case DropFrame:
			log.Debug().Str("module", "signal").Str("sid", string(cl.sid)).Int("dropped", dropped).Msg("frame dropped")
		case NoAction:
		}
	default:
		log.Debug().Str("module", "signal").Str("sid", string(cl.sid)).Err(err).Msg("send on closed connection")
	}
}

// broadcast delivers v to every client subscribed to the room, except skip.
func (ctl *Controller) broadcast(room domain.RoomID, skip domain.SessionID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("broadcast marshal")
		return
	}
	for _, cl := range ctl.hub.topic(room) {
		if cl.sid == skip {
			continue
		}
		ctl.sendFrame(cl, b)
	}
}

// deliver sends v to every connection of the identity, except skip.
func (ctl *Controller) deliver(id domain.UserID, skip domain.SessionID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("deliver marshal")
		return
	}
	for _, cl := range ctl.hub.identity(id) {
		if cl.sid == skip {
			continue
		}
		ctl.sendFrame(cl, b)
	}
}
