// Package notify streams engine events to websocket subscribers. The host
// application (a desktop companion shell) subscribes to show memory activity
// live; the engine itself never depends on a subscriber being present.
package notify

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/petmind/mnemo/internal/engine"
)

const (
	eventBuffer  = 128
	writeTimeout = 5 * time.Second
)

// Broadcaster fans engine events out to websocket subscribers on /events.
// Publish never blocks: when the buffer is full the event is dropped.
type Broadcaster struct {
	addr string

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}

	events chan engine.Event
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// NewBroadcaster creates a broadcaster listening on addr once started.
func NewBroadcaster(addr string) *Broadcaster {
	return &Broadcaster{
		addr:   addr,
		conns:  make(map[*websocket.Conn]struct{}),
		events: make(chan engine.Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event for delivery. Implements engine.Notifier.
func (b *Broadcaster) Publish(event engine.Event) {
	select {
	case b.events <- event:
	default:
		// Subscribers are lagging; shedding events beats blocking the engine.
	}
}

// Addr returns the bound listen address, valid after Start.
func (b *Broadcaster) Addr() string {
	if b.ln != nil {
		return b.ln.Addr().String()
	}
	return b.addr
}

// Start binds the listener and serves subscribers until Shutdown.
func (b *Broadcaster) Start() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/events", b.handleSubscribe)
	b.server = &http.Server{Handler: mux}

	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("notify: serve: %v", err)
		}
	}()
	go b.pump()
	return nil
}

// Shutdown stops the pump, closes all subscriber connections and the server.
func (b *Broadcaster) Shutdown(ctx context.Context) error {
	close(b.done)

	b.mu.Lock()
	for conn := range b.conns {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	b.conns = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()

	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}

func (b *Broadcaster) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("notify: accept: %v", err)
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	// Hold the connection open; reads only surface closure.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// pump delivers buffered events to every subscriber. A failing subscriber
// is dropped rather than stalling the rest.
func (b *Broadcaster) pump() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.mu.Lock()
			conns := make([]*websocket.Conn, 0, len(b.conns))
			for conn := range b.conns {
				conns = append(conns, conn)
			}
			b.mu.Unlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := wsjson.Write(ctx, conn, event)
				cancel()
				if err != nil {
					b.mu.Lock()
					delete(b.conns, conn)
					b.mu.Unlock()
					_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
				}
			}
		}
	}
}
