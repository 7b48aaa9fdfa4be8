package market

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"market-engine/go/pkg/shared"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxControl = 4096
)

// Snapshotter returns the in-progress candle of a series, if one is tracked.
type Snapshotter interface {
	Snapshot(symbol string, interval shared.Resolution) (shared.Candle, bool)
}

type controlMessage struct {
	Action     string `json:"action"`
	Symbol     string `json:"symbol"`
	Resolution string `json:"resolution,omitempty"`
}

type frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Gateway serves the distributor's streams to websocket clients. One connection is one
// subscriber id.
type Gateway struct {
	dist     *Distributor
	snap     Snapshotter
	health   func(context.Context) error
	log      shared.Logger
	upgrader websocket.Upgrader
}

type GatewayOption func(*Gateway)

func WithSnapshotter(s Snapshotter) GatewayOption {
	return func(g *Gateway) { g.snap = s }
}

// WithHealthCheck makes /healthz answer 503 while check fails.
func WithHealthCheck(check func(context.Context) error) GatewayOption {
	return func(g *Gateway) { g.health = check }
}

func WithGatewayLogger(l shared.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

func NewGateway(dist *Distributor, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		dist: dist,
		log:  shared.NopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler mounts /ws and /healthz.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", g)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if g.health != nil {
			if err := g.health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves on addr until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: g.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Printf("upgrade: %v", err)
		return
	}
	s := &session{id: uuid.NewString(), conn: conn, gw: g, done: make(chan struct{}), pumps: make(map[string]<-chan struct{})}
	g.dist.metrics.sessions.Inc()
	defer g.dist.metrics.sessions.Dec()
	s.serve()
}

type session struct {
	id    string
	conn  *websocket.Conn
	gw    *Gateway
	wmu   sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
	pumps map[string]<-chan struct{} // stream kind -> pump exit, owned by the read loop
}

func (s *session) serve() {
	defer func() {
		s.gw.dist.Unsubscribe(s.id)
		close(s.done)
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxControl)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.wg.Add(1)
	go s.keepalive()

	if err := s.write(frame{Type: "hello", ID: s.id}); err != nil {
		return
	}
	for {
		var msg controlMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.log.Printf("session %s read: %v", s.id, err)
			}
			return
		}
		if err := s.handle(msg); err != nil {
			if werr := s.write(frame{Type: "error", Error: err.Error()}); werr != nil {
				return
			}
		}
	}
}

func (s *session) handle(msg controlMessage) error {
	switch msg.Action {
	case "subscribe":
		res, err := shared.ParseResolution(msg.Resolution)
		if err != nil {
			return err
		}
		var seed *shared.Bar
		if s.gw.snap != nil {
			if c, ok := s.gw.snap.Snapshot(msg.Symbol, res); ok {
				b := c.Bar()
				seed = &b
			}
		}
		ch, err := s.gw.dist.SubscribeFrom(s.id, msg.Symbol, res, seed)
		if err != nil {
			return err
		}
		s.await("bar")
		if err := s.write(frame{Type: "subscribed", Data: msg}); err != nil {
			return err
		}
		if seed != nil {
			snap := shared.BarEvent{Symbol: msg.Symbol, Resolution: res, Bar: *seed, IsNew: true}
			if err := s.write(frame{Type: "snapshot", Data: snap}); err != nil {
				return err
			}
		}
		s.pumps["bar"] = forward(s, ch, "bar")
		return nil
	case "subscribe_price":
		ch, err := s.gw.dist.SubscribePrice(s.id, msg.Symbol)
		if err != nil {
			return err
		}
		s.await("price")
		if err := s.write(frame{Type: "subscribed", Data: msg}); err != nil {
			return err
		}
		s.pumps["price"] = forward(s, ch, "price")
		return nil
	case "unsubscribe":
		s.gw.dist.Unsubscribe(s.id)
		s.await("bar")
		s.await("price")
		return s.write(frame{Type: "unsubscribed"})
	default:
		return errors.New("unknown action " + msg.Action)
	}
}

// await blocks until the pump of a replaced or removed stream has exited, so none of its frames
// follow the reply to the control message.
func (s *session) await(kind string) {
	if done, ok := s.pumps[kind]; ok {
		<-done
		delete(s.pumps, kind)
	}
}

// forward pumps one stream until the distributor closes it or a write fails.
func forward[T any](s *session, ch <-chan T, kind string) <-chan struct{} {
	exited := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exited)
		for ev := range ch {
			if err := s.write(frame{Type: kind, Data: ev}); err != nil {
				return
			}
		}
	}()
	return exited
}

func (s *session) keepalive() {
	defer s.wg.Done()
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.wmu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) write(f frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}
