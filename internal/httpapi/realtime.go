package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/db"
	"github.com/erauner12/tenantmirror/internal/push"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendBuffer       = 64
	wsWriteTimeout   = 5 * time.Second
	wsOriginAnywhere = "*"
)

// Hub fans row changes out to websocket subscribers, applying the same row
// policy as the REST endpoints.
type Hub struct {
	policy      Policy
	jwt         auth.JWTCfg
	collections *collection.Registry

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewHub creates a hub
func NewHub(policy Policy, jwt auth.JWTCfg, collections *collection.Registry) *Hub {
	return &Hub{policy: policy, jwt: jwt, collections: collections, conns: make(map[*wsConn]struct{})}
}

type topicSub struct {
	spec      collection.Spec
	event     string
	filters   []db.Filter
	principal credential.Principal
}

type wsConn struct {
	send chan push.Frame

	mu     sync.Mutex
	topics map[string]topicSub
}

func (c *wsConn) enqueue(f push.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of open topic subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns {
		c.mu.Lock()
		n += len(c.topics)
		c.mu.Unlock()
	}
	return n
}

// ServeWS handles GET /realtime/v1/websocket
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if err := auth.CheckAPIKey(r.URL.Query().Get("apikey"), h.jwt); err != nil {
		writeError(w, r, http.StatusUnauthorized, apiError{Message: "Invalid API key"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{wsOriginAnywhere}})
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("websocket accept failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{send: make(chan push.Frame, sendBuffer), topics: make(map[string]topicSub)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}()

	go func() {
		defer cancel()
		for {
			var f push.Frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			h.handleFrame(ctx, c, f)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case f := <-c.send:
			writeCtx, cancelWrite := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, f)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusInternalError, "write_failed")
				return
			}
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *wsConn, f push.Frame) {
	logger := log.Ctx(ctx)
	switch f.Type {
	case push.FrameSubscribe:
		sub, err := h.authorize(f)
		if err != nil {
			logger.Warn().Err(err).Str("topic", f.Topic).Msg("subscription rejected")
			c.enqueue(push.Frame{Type: push.FrameStatus, Ref: f.Ref, Topic: f.Topic, Status: string(push.StatusChannelError), Message: err.Error()})
			return
		}
		c.mu.Lock()
		c.topics[f.Topic] = sub
		c.mu.Unlock()
		logger.Debug().Str("topic", f.Topic).Str("sub", sub.principal.Subject).Msg("subscription joined")
		c.enqueue(push.Frame{Type: push.FrameStatus, Ref: f.Ref, Topic: f.Topic, Status: string(push.StatusSubscribed)})

	case push.FrameUnsubscribe:
		c.mu.Lock()
		delete(c.topics, f.Topic)
		c.mu.Unlock()
		c.enqueue(push.Frame{Type: push.FrameStatus, Topic: f.Topic, Status: string(push.StatusClosed)})

	case push.FrameHeartbeat:
	}
}

var (
	errNoConfig     = errors.New("subscribe frame has no config")
	errUnknownTable = errors.New("unknown table")
)

func (h *Hub) authorize(f push.Frame) (topicSub, error) {
	if f.Config == nil {
		return topicSub{}, errNoConfig
	}
	spec, err := h.collections.Lookup(f.Config.Table)
	if err != nil {
		return topicSub{}, errUnknownTable
	}

	var p credential.Principal
	switch {
	case f.Token != "":
		if p, err = auth.ValidateToken(f.Token, h.jwt); err != nil {
			return topicSub{}, err
		}
	case !h.jwt.DevMode:
		return topicSub{}, auth.ErrMissingToken
	}

	var filters []db.Filter
	if f.Config.Filter != "" {
		q, err := url.ParseQuery(f.Config.Filter)
		if err != nil {
			return topicSub{}, err
		}
		if filters, err = parseFilters(q); err != nil {
			return topicSub{}, err
		}
	}

	event := f.Config.Event
	if event == "" {
		event = "*"
	}
	return topicSub{spec: spec, event: event, filters: filters, principal: p}, nil
}

// Publish delivers a row change to every subscriber allowed to see it. A
// nil hub ignores the call.
func (h *Hub) Publish(spec collection.Spec, eventType string, newRow, oldRow collection.Row) {
	if h == nil {
		return
	}
	row := newRow
	if row == nil {
		row = oldRow
	}
	payload := &push.ChangePayload{
		EventType:       eventType,
		New:             newRow,
		Old:             oldRow,
		CommitTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.mu.Lock()
		for topic, sub := range c.topics {
			if sub.spec.Name != spec.Name || (sub.event != "*" && sub.event != eventType) {
				continue
			}
			if !h.policy.Visible(spec, sub.principal, row) || !db.Matches(row, sub.filters) {
				continue
			}
			if !c.enqueue(push.Frame{Type: push.FrameChange, Topic: topic, Payload: payload}) {
				log.Warn().Str("topic", topic).Msg("subscriber too slow, change dropped")
			}
		}
		c.mu.Unlock()
	}
}
