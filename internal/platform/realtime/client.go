// Package realtime subscribes to row changes over the platform's Phoenix
// channel websocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/lingo-exchange/client/internal/platform/transport"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("realtime: client closed")

// Options tunes the websocket connection.
type Options struct {
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	JoinTimeout       time.Duration
	MaxRetries        int
	EventBuffer       int
}

// DefaultOptions mirrors the platform client defaults.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		JoinTimeout:       10 * time.Second,
		MaxRetries:        3,
		EventBuffer:       64,
	}
}

// Client multiplexes channel subscriptions over one websocket.
type Client struct {
	endpoint string
	tokens   transport.TokenSource
	opts     Options
	dialer   *websocket.Dialer

	refSeq atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	subs    map[string]*Subscription
	pending map[string]chan replyPayload
	closed  bool

	// authToken is the token last sent to the channels.
	authToken string

	writeMu sync.Mutex
}

// New returns a realtime client for the platform at baseURL. The connection is
// opened on the first Subscribe.
func New(baseURL, apiKey string, tokens transport.TokenSource, opts Options) (*Client, error) {
	endpoint, err := Endpoint(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	defaults := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaults.JoinTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}

	return &Client{
		endpoint: endpoint,
		tokens:   tokens,
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		subs:     make(map[string]*Subscription),
		pending:  make(map[string]chan replyPayload),
	}, nil
}

// Endpoint derives the websocket URL from the platform base URL.
func Endpoint(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("realtime: invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe joins a channel named name that receives changes matching filter.
// It returns once the service acknowledged the join.
func (c *Client) Subscribe(ctx context.Context, name string, filter Filter) (*Subscription, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	filter = filter.withDefaults()
	sub := &Subscription{
		client: c,
		topic:  topicPrefix + name + ":" + uuid.NewString(),
		filter: filter,
		events: make(chan Change, c.opts.EventBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.subs[sub.topic] = sub
	c.mu.Unlock()

	if err := c.join(ctx, sub); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.topic)
		c.mu.Unlock()
		sub.terminate()
		return nil, err
	}

	log.Printf("[realtime] joined %s (%s %s %s)", sub.topic, filter.Event, filter.Table, filter.Filter)
	return sub, nil
}

func (c *Client) join(ctx context.Context, sub *Subscription) error {
	ref := c.nextRef()
	replyCh := make(chan replyPayload, 1)

	c.mu.Lock()
	c.pending[ref] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	token := c.token()
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()

	if err := c.send(envelope{Topic: sub.topic, Event: eventJoin, Ref: ref}, newJoinPayload(sub.filter, token)); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		if reply.Status != "ok" {
			return fmt.Errorf("realtime: join %s rejected: %s %s", sub.topic, reply.Status, string(reply.Response))
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("realtime: join %s timed out", sub.topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAuth pushes a refreshed access token to every joined channel.
func (c *Client) SetAuth(token string) {
	c.mu.Lock()
	c.authToken = token
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	for _, topic := range topics {
		payload := map[string]string{"access_token": token}
		if err := c.send(envelope{Topic: topic, Event: eventAccessToken, Ref: c.nextRef()}, payload); err != nil {
			log.Printf("[realtime] failed to push token to %s: %v", topic, err)
		}
	}
}

// Close leaves every channel and closes the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.drainSubsLocked()
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial failed: %w", err)
	}
	c.attachLocked(conn)
	return nil
}

func (c *Client) attachLocked(conn *websocket.Conn) {
	c.conn = conn
	c.stop = make(chan struct{})
	go c.readLoop(conn)
	go c.heartbeatLoop(conn, c.stop)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[realtime] dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg envelope) {
	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			log.Printf("[realtime] malformed reply on %s: %v", msg.Topic, err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.Ref]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}
	case eventPostgresChanges:
		var payload changesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Printf("[realtime] malformed change on %s: %v", msg.Topic, err)
			return
		}
		c.mu.Lock()
		sub, ok := c.subs[msg.Topic]
		c.mu.Unlock()
		if ok {
			sub.deliver(payload.Data)
		}
	case eventError, eventClose:
		log.Printf("[realtime] channel %s reported %s", msg.Topic, msg.Event)
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeTo(conn, envelope{Topic: phoenixTopic, Event: eventHeartbeat, Ref: c.nextRef()}, struct{}{}); err != nil {
				log.Printf("[realtime] heartbeat failed: %v", err)
				_ = conn.Close()
				return
			}
			c.refreshAuth()
		}
	}
}

// handleDisconnect reconnects with increasing delay and rejoins every live
// subscription. When all retries fail the subscriptions are terminated.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	log.Printf("[realtime] connection lost: %v", cause)

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		time.Sleep(time.Duration(attempt+1) * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		next, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		cancel()
		if err != nil {
			log.Printf("[realtime] reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.attachLocked(next)
		subs := make([]*Subscription, 0, len(c.subs))
		for _, sub := range c.subs {
			subs = append(subs, sub)
		}
		c.mu.Unlock()

		for _, sub := range subs {
			if err := c.send(envelope{Topic: sub.topic, Event: eventJoin, Ref: c.nextRef()}, newJoinPayload(sub.filter, c.token())); err != nil {
				log.Printf("[realtime] rejoin %s failed: %v", sub.topic, err)
			}
		}
		log.Printf("[realtime] reconnected, rejoined %d channels", len(subs))
		return
	}

	c.mu.Lock()
	subs := c.drainSubsLocked()
	c.mu.Unlock()
	for _, sub := range subs {
		sub.terminate()
	}
	log.Printf("[realtime] giving up after %d retries", c.opts.MaxRetries)
}

func (c *Client) drainSubsLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(c.subs))
	for topic, sub := range c.subs {
		subs = append(subs, sub)
		delete(c.subs, topic)
	}
	return subs
}

func (c *Client) leave(sub *Subscription) {
	c.mu.Lock()
	_, ok := c.subs[sub.topic]
	delete(c.subs, sub.topic)
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.send(envelope{Topic: sub.topic, Event: eventLeave, Ref: c.nextRef()}, struct{}{}); err != nil {
		log.Printf("[realtime] leave %s failed: %v", sub.topic, err)
	}
}

func (c *Client) send(msg envelope, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("realtime: not connected")
	}
	return c.writeTo(conn, msg, payload)
}

func (c *Client) writeTo(conn *websocket.Conn, msg envelope, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: encode payload: %w", err)
	}
	msg.Payload = raw
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("realtime: encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// refreshAuth reads the current token, which renews an expiring session, and
// pushes it to the channels when it differs from the one they hold.
func (c *Client) refreshAuth() {
	token := c.token()
	c.mu.Lock()
	changed := token != "" && token != c.authToken
	c.mu.Unlock()
	if changed {
		log.Printf("[realtime] access token changed, updating channels")
		c.SetAuth(token)
	}
}

func (c *Client) token() string {
	if c.tokens == nil {
		return ""
	}
	return c.tokens.AccessToken()
}

func (c *Client) nextRef() string {
	return strconv.FormatUint(c.refSeq.Add(1), 10)
}
