package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSHub is the websocket-backed Signal for machines where the daemon
// runs: the daemon hosts the hub on a loopback port, other consumers
// attach with WSClient. Every message published by any party is fanned
// out to all the others.
type WSHub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message
	incoming  chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewWSHub creates a hub bound to the loopback interface. Port 0 picks
// a free port; Addr() reports the bound address after Start.
//
// If logger is nil, a default logger writing to stderr is used.
func NewWSHub(port int, logger *log.Logger) *WSHub {
	if logger == nil {
		logger = log.New(os.Stderr, "[signal] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		addr:      fmt.Sprintf("127.0.0.1:%d", port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		incoming:  make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and serving websocket attachments.
func (h *WSHub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", h.handleAttach)

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.broadcastLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("signal hub listening on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Printf("signal hub error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address.
func (h *WSHub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// Publish implements Signal.
func (h *WSHub) Publish(ctx context.Context, msg Message) error {
	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}
	select {
	case h.broadcast <- msg:
		return nil
	case <-h.ctx.Done():
		return fmt.Errorf("signal hub is closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Signal. Messages published locally are not
// echoed back on this channel; only messages from attached clients
// arrive here.
func (h *WSHub) Subscribe() <-chan Message {
	return h.incoming
}

// Close implements Signal.
func (h *WSHub) Close() error {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("signal hub shutdown error: %w", err)
		}
	}

	h.wg.Wait()
	close(h.incoming)
	return nil
}

func (h *WSHub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("failed to marshal signal: %v", err)
				continue
			}
			h.sendToClients(data, nil)
		}
	}
}

// sendToClients writes to every attached client except the one the
// message came from.
func (h *WSHub) sendToClients(data []byte, from *websocket.Conn) {
	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		if conn != from {
			conns = append(conns, conn)
		}
	}
	h.clientsMu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Printf("failed to send signal to client: %v", err)
			h.removeClient(conn)
		}
	}
}

func (h *WSHub) handleAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Printf("signal attach failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("signal client attached (total: %d)", count)
	h.wg.Add(1)
	go h.readLoop(conn)
}

// readLoop relays client-published messages to the hub subscriber and
// the remaining clients. Tracked by the hub waitgroup so Close never
// closes the incoming channel under a pending send.
func (h *WSHub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("dropping malformed signal: %v", err)
			continue
		}

		select {
		case h.incoming <- msg:
		default:
			h.logger.Printf("WARNING: signal channel full, dropping message")
		}
		h.sendToClients(data, conn)
	}
}

func (h *WSHub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("signal client detached (total: %d)", count)
		return
	}
	h.clientsMu.Unlock()
}

// WSClient attaches to a running hub.
type WSClient struct {
	conn     *websocket.Conn
	incoming chan Message
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *log.Logger
}

// DialHub connects to the hub at addr (host:port).
func DialHub(ctx context.Context, addr string, logger *log.Logger) (*WSClient, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[signal] ", log.LstdFlags)
	}

	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/signal", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to signal hub at %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:     conn,
		incoming: make(chan Message, 100),
		ctx:      cctx,
		cancel:   cancel,
		logger:   logger,
	}

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// Publish implements Signal.
func (c *WSClient) Publish(ctx context.Context, msg Message) error {
	if msg.TS == 0 {
		msg.TS = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// Subscribe implements Signal.
func (c *WSClient) Subscribe() <-chan Message {
	return c.incoming
}

// Close implements Signal.
func (c *WSClient) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
	close(c.incoming)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("dropping malformed signal: %v", err)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}
