package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"whalescan/internal/logger"
	"whalescan/internal/market"
	"whalescan/internal/metrics"
	"whalescan/internal/occ"
)

const (
	defaultWS = "wss://socket.polygon.io/options"

	// AllUnderlyings is the subscription key that receives every event.
	AllUnderlyings = "*"
)

// ErrAuthFailed is returned by a session the provider rejected.
var ErrAuthFailed = errors.New("polygon: stream auth failed")

// Options cluster frames. Trades and second aggregates both use "s" and "c"
// with different meanings, so each kind has its own shape.
type statusEvent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type tradeEvent struct {
	Sym        string  `json:"sym"`
	Price      float64 `json:"p"`
	Size       float64 `json:"s"`
	Timestamp  int64   `json:"t"` // ms
	Conditions []int32 `json:"c"`
}

type aggEvent struct {
	Sym    string  `json:"sym"`
	Volume float64 `json:"v"`
	VWAP   float64 `json:"vw"`
	Close  float64 `json:"c"`
	Start  int64   `json:"s"` // ms
	End    int64   `json:"e"`
}

// Subscription receives decoded events for one underlying (or every
// underlying, for AllUnderlyings). Slow consumers drop events.
type Subscription struct {
	Key       string
	Trades    chan market.TradePrint
	Bars      chan market.AggregateBar
	done      chan struct{}
	closeOnce sync.Once
}

// Done returns a channel closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Broker owns the single stream socket. Topics survive reconnects.
type Broker struct {
	apiKey string
	wsURL  string
	log    *logger.Logger

	mu       sync.RWMutex
	topics   map[string]struct{}
	watchers map[string]map[*Subscription]struct{}
	outbound chan wsMsg

	connected atomic.Bool
	// reconnect policy; tests shorten it
	newBackOff func() backoff.BackOff
}

func NewBroker(apiKey, wsURL string, log *logger.Logger) *Broker {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = defaultWS
	}
	if log == nil {
		log = logger.Get()
	}
	return &Broker{
		apiKey:   apiKey,
		wsURL:    wsURL,
		log:      log.Named("stream"),
		topics:   make(map[string]struct{}),
		watchers: make(map[string]map[*Subscription]struct{}),
		outbound: make(chan wsMsg, 1024),
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = time.Second
			eb.MaxInterval = 30 * time.Second
			eb.MaxElapsedTime = 0
			return eb
		},
	}
}

// Connected reports whether a session is currently authenticated.
func (b *Broker) Connected() bool { return b.connected.Load() }

// Follow adds provider topics such as "T.*" or "A.O:NVDA250117C00150000".
func (b *Broker) Follow(params ...string) {
	var fresh []string
	b.mu.Lock()
	for _, p := range params {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := b.topics[p]; !ok {
			b.topics[p] = struct{}{}
			fresh = append(fresh, p)
		}
	}
	b.mu.Unlock()
	if len(fresh) > 0 {
		b.enqueue(subscribeMsg(fresh))
	}
}

// Unfollow drops topics from the live session and from future reconnects.
func (b *Broker) Unfollow(params ...string) {
	var gone []string
	b.mu.Lock()
	for _, p := range params {
		if _, ok := b.topics[p]; ok {
			delete(b.topics, p)
			gone = append(gone, p)
		}
	}
	b.mu.Unlock()
	if len(gone) > 0 {
		b.enqueue(unsubscribeMsg(gone))
	}
}

// Topics returns the followed topics.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}

// enqueue never blocks; topics are replayed on the next connect anyway.
func (b *Broker) enqueue(m wsMsg) {
	if !b.connected.Load() {
		return
	}
	select {
	case b.outbound <- m:
	default:
	}
}

// Subscribe registers a consumer for events whose contract belongs to key.
func (b *Broker) Subscribe(key string) *Subscription {
	k := strings.ToUpper(strings.TrimSpace(key))
	if k == "" {
		return nil
	}
	sub := NewSubscription(k)
	b.mu.Lock()
	if _, ok := b.watchers[k]; !ok {
		b.watchers[k] = make(map[*Subscription]struct{})
	}
	b.watchers[k][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// NewSubscription builds an unregistered subscription; tests feed it directly.
func NewSubscription(key string) *Subscription {
	return &Subscription{
		Key:    key,
		Trades: make(chan market.TradePrint, 256),
		Bars:   make(chan market.AggregateBar, 256),
		done:   make(chan struct{}),
	}
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.watchers[sub.Key]
	if ws != nil {
		delete(ws, sub)
		if len(ws) == 0 {
			delete(b.watchers, sub.Key)
		}
	}
}

type wsMsg struct {
	Action string `json:"action"`
	Params string `json:"params,omitempty"`
}

func authMsg(key string) wsMsg { return wsMsg{Action: "auth", Params: key} }

func subscribeMsg(topics []string) wsMsg {
	return wsMsg{Action: "subscribe", Params: strings.Join(topics, ",")}
}

func unsubscribeMsg(topics []string) wsMsg {
	return wsMsg{Action: "unsubscribe", Params: strings.Join(topics, ",")}
}

// Run keeps a session open until ctx is done, reconnecting with exponential
// backoff. An auth rejection ends Run.
func (b *Broker) Run(ctx context.Context) error {
	bo := b.newBackOff()
	for {
		started := time.Now()
		err := b.runOnce(ctx)
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("stream: giving up: %w", err)
		}
		b.log.Warnw("disconnected", "error", err, "retry_in", wait)
		metrics.StreamReconnects.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Broker) write(conn *websocket.Conn, m wsMsg) error {
	data, err := sonnet.Marshal(m)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Broker) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	defer b.connected.Store(false)

	if err := b.write(conn, authMsg(b.apiKey)); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	errCh := make(chan error, 1)
	authed := make(chan struct{})
	go func() {
		var once sync.Once
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var frames []json.RawMessage
			if err := sonnet.Unmarshal(data, &frames); err != nil {
				b.log.Debugw("undecodable frame", "error", err, "bytes", len(data))
				continue
			}
			for _, raw := range frames {
				var head struct {
					Ev string `json:"ev"`
				}
				if err := sonnet.Unmarshal(raw, &head); err != nil {
					continue
				}
				switch head.Ev {
				case "status":
					var st statusEvent
					if err := sonnet.Unmarshal(raw, &st); err != nil {
						continue
					}
					switch st.Status {
					case "auth_success":
						once.Do(func() { close(authed) })
					case "auth_failed":
						errCh <- fmt.Errorf("%w: %s", ErrAuthFailed, st.Message)
						return
					}
				case "T":
					var t tradeEvent
					if err := sonnet.Unmarshal(raw, &t); err != nil {
						continue
					}
					if p, ok := t.print(); ok {
						metrics.LiveEvents.WithLabelValues("trade").Inc()
						b.dispatchTrade(p)
					}
				case "A":
					var a aggEvent
					if err := sonnet.Unmarshal(raw, &a); err != nil {
						continue
					}
					if bar, ok := a.bar(); ok {
						metrics.LiveEvents.WithLabelValues("bar").Inc()
						b.dispatchBar(bar)
					}
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	case <-authed:
	}

	b.connected.Store(true)
	if topics := b.Topics(); len(topics) > 0 {
		if err := b.write(conn, subscribeMsg(topics)); err != nil {
			return fmt.Errorf("subscribe write: %w", err)
		}
	}
	b.log.Infow("stream connected", "url", b.wsURL, "topics", len(b.Topics()))

	ping := time.NewTicker(45 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return ctx.Err()
		case <-ping.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case msg := <-b.outbound:
			if err := b.write(conn, msg); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case err := <-errCh:
			return err
		}
	}
}

func (t tradeEvent) print() (market.TradePrint, bool) {
	if t.Sym == "" || t.Price <= 0 || t.Size <= 0 {
		return market.TradePrint{}, false
	}
	return market.TradePrint{
		Contract:   t.Sym,
		Price:      decimal.NewFromFloat(t.Price),
		Size:       int64(t.Size),
		Timestamp:  time.UnixMilli(t.Timestamp).UTC(),
		Conditions: t.Conditions,
	}, true
}

func (a aggEvent) bar() (market.AggregateBar, bool) {
	if a.Sym == "" || a.Volume <= 0 {
		return market.AggregateBar{}, false
	}
	return bar(a.Sym, time.UnixMilli(a.Start), a.Volume, a.VWAP, a.Close, 0), true
}

func (b *Broker) targets(contract string) []*Subscription {
	u := occ.Underlying(contract)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Subscription
	for sub := range b.watchers[u] {
		out = append(out, sub)
	}
	if u != AllUnderlyings {
		for sub := range b.watchers[AllUnderlyings] {
			out = append(out, sub)
		}
	}
	return out
}

func (b *Broker) dispatchTrade(t market.TradePrint) {
	for _, sub := range b.targets(t.Contract) {
		select {
		case <-sub.done:
		case sub.Trades <- t:
		default:
			// drop if slow consumer
		}
	}
}

func (b *Broker) dispatchBar(a market.AggregateBar) {
	for _, sub := range b.targets(a.Contract) {
		select {
		case <-sub.done:
		case sub.Bars <- a:
		default:
		}
	}
}
