package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/bus"
	"go.uber.org/zap"
)

// SignalFeed pushes status snapshots to WebSocket clients on GET /signals.
type SignalFeed struct {
	addr     string
	reporter *api.Reporter
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	clients map[string]*websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSignalFeed creates a feed. An empty addr disables it.
func NewSignalFeed(addr string, reporter *api.Reporter, b *bus.Bus, logger *zap.Logger) *SignalFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalFeed{
		addr:     addr,
		reporter: reporter,
		bus:      b,
		logger:   logger,
		interval: 5 * time.Second,
		clients:  make(map[string]*websocket.Conn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listener and serves in the background.
func (f *SignalFeed) Start() error {
	if f.addr == "" {
		f.logger.Info("signal feed disabled")
		return nil
	}
	ln, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.addr, err)
	}
	f.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signals", f.handle)
	f.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.logger.Info("signal feed listening", zap.String("addr", ln.Addr().String()))
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("signal feed error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (f *SignalFeed) Addr() string {
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down.
func (f *SignalFeed) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.cancel()
	for id, conn := range f.clients {
		_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		delete(f.clients, id)
	}
	f.mu.Unlock()

	var err error
	if f.server != nil {
		err = f.server.Shutdown(ctx)
	}
	f.wg.Wait()
	return err
}

// ClientCount returns the number of connected clients.
func (f *SignalFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *SignalFeed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	id := uuid.NewString()
	log := f.logger.With(zap.String("client", id))

	f.mu.Lock()
	if f.ctx.Err() != nil {
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "daemon shutting down")
		return
	}
	f.clients[id] = conn
	f.wg.Add(1)
	f.mu.Unlock()
	log.Info("signal client connected")

	defer f.wg.Done()
	defer func() {
		f.mu.Lock()
		delete(f.clients, id)
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		log.Info("signal client disconnected")
	}()

	// Clients never send; CloseRead handles pings and notices the close.
	ctx := conn.CloseRead(f.ctx)
	events, unsub := f.bus.Subscribe("", 64)
	defer unsub()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	if err := f.push(ctx, conn, "hello"); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			if err := f.push(ctx, conn, evt.Kind); err != nil {
				log.Debug("signal push failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := f.push(ctx, conn, "tick"); err != nil {
				log.Debug("signal push failed", zap.Error(err))
				return
			}
		}
	}
}

func (f *SignalFeed) push(ctx context.Context, conn *websocket.Conn, reason string) error {
	st, err := f.reporter.Snapshot(ctx)
	if err != nil {
		// A storage hiccup should not drop the client; the next push retries.
		f.logger.Warn("status snapshot failed", zap.Error(err))
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, conn, api.Frame{Event: reason, At: time.Now(), Status: st})
}
