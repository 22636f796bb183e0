// Package push subscribes to per-collection change streams over a websocket.
package push

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	DefaultJoinTimeout       = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second

	writeTimeout = 5 * time.Second
)

// Handler receives a subscription's deltas and status transitions. OnChange
// is called from a single goroutine per subscription, in receipt order.
type Handler struct {
	OnChange func(Change)
	OnStatus func(Status, error)
}

// Subscription is an open change stream
type Subscription interface {
	Close() error
}

// Subscriber opens change streams
type Subscriber interface {
	Subscribe(ctx context.Context, cfg TopicConfig, h Handler) (Subscription, error)
}

// Options configures a Client
type Options struct {
	URL               string // ws(s)://host/realtime/v1
	APIKey            string
	Resolver          credential.Resolver
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Client dials one websocket per subscription
type Client struct {
	opts Options
}

// NewClient creates a push client
func NewClient(opts Options) *Client {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Resolver == nil {
		opts.Resolver = credential.Static("")
	}
	return &Client{opts: opts}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.URL, "/") + "/websocket")
	if err != nil {
		return "", err
	}
	if c.opts.APIKey != "" {
		q := u.Query()
		q.Set("apikey", c.opts.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Subscribe dials the channel and sends the join frame. It returns once the
// frame is written; the join acknowledgement arrives via OnStatus.
func (c *Client) Subscribe(ctx context.Context, cfg TopicConfig, h Handler) (Subscription, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	if cfg.Event == "" {
		cfg.Event = "*"
	}
	topic := TopicName(cfg.Schema, cfg.Table)
	join := Frame{
		Type:   FrameSubscribe,
		Ref:    uuid.New().String(),
		Topic:  topic,
		Config: &cfg,
	}
	if cred, ok := c.opts.Resolver.Resolve(ctx); ok {
		join.Token = cred.AccessToken
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	err = wsjson.Write(writeCtx, conn, join)
	cancelWrite()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		conn:    conn,
		topic:   topic,
		handler: h,
		cancel:  cancel,
		joined:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop(runCtx)
	go s.watchJoin(runCtx, c.opts.JoinTimeout)
	go s.heartbeat(runCtx, c.opts.HeartbeatInterval)

	log.Debug().Str("topic", topic).Str("ref", join.Ref).Msg("push subscription requested")
	return s, nil
}

type subscription struct {
	conn    *websocket.Conn
	topic   string
	handler Handler
	cancel  context.CancelFunc

	joinOnce sync.Once
	joined   chan struct{}

	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
	done      chan struct{}
}

func (s *subscription) status(st Status, err error) {
	if s.handler.OnStatus != nil {
		s.handler.OnStatus(st, err)
	}
}

func (s *subscription) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		var f Frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.status(StatusClosed, nil)
				return
			}
			log.Warn().Err(err).Str("topic", s.topic).Msg("push channel read failed")
			s.status(StatusChannelError, err)
			return
		}

		switch f.Type {
		case FrameStatus:
			s.onStatusFrame(f)
		case FrameChange:
			change, ok := ChangeFromPayload(f.Payload, time.Now())
			if !ok {
				log.Debug().Str("topic", s.topic).Msg("ignoring unknown change event")
				continue
			}
			if s.handler.OnChange != nil {
				s.handler.OnChange(change)
			}
		}
	}
}

func (s *subscription) onStatusFrame(f Frame) {
	switch Status(f.Status) {
	case StatusSubscribed:
		s.joinOnce.Do(func() { close(s.joined) })
		s.status(StatusSubscribed, nil)
	case StatusChannelError:
		s.status(StatusChannelError, errors.New(f.Message))
	case StatusClosed:
		s.status(StatusClosed, nil)
	}
}

func (s *subscription) watchJoin(ctx context.Context, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.joined:
	case <-ctx.Done():
	case <-timer.C:
		log.Warn().Str("topic", s.topic).Dur("timeout", timeout).Msg("push subscription not acknowledged")
		s.status(StatusTimedOut, nil)
	}
}

func (s *subscription) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, s.conn, Frame{Type: FrameHeartbeat})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Close unsubscribes and releases the connection. It is safe to call twice.
func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_ = wsjson.Write(writeCtx, s.conn, Frame{Type: FrameUnsubscribe, Topic: s.topic})
		cancel()

		err = s.conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		s.cancel()
		<-s.done
	})
	return err
}

// Nop never delivers anything. Used when no push endpoint is configured.
type Nop struct{}

func (Nop) Subscribe(context.Context, TopicConfig, Handler) (Subscription, error) {
	return nopSubscription{}, nil
}

type nopSubscription struct{}

func (nopSubscription) Close() error { return nil }
