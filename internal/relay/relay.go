package relay

import (
	"context"
	"io"
	"log"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/stats"
)

// Relay hosts one shared medium per namespace and lets remote contexts attach
// to it over websockets. Every connection is an endpoint of its namespace's
// store; its writes reach every other endpoint as change frames.
type Relay struct {
	log            *log.Logger
	stats          stats.StatsProvider
	allowedOrigins []string

	storesLock sync.Mutex
	stores     map[channel.Namespace]*channel.MemoryStore

	clients        map[*Client]struct{}
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	done           chan struct{}
	stopOnce       sync.Once

	pumpsLock sync.Mutex
	closing   bool
	pumps     sync.WaitGroup
}

func NewRelay(logger *log.Logger, su stats.StatsProvider, allowedOrigins []string) *Relay {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if su == nil {
		su = stats.Noop{}
	}

	return &Relay{
		log:            logger,
		stats:          su,
		allowedOrigins: allowedOrigins,
		stores:         make(map[channel.Namespace]*channel.MemoryStore),
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (r *Relay) Run() {
	for {
		select {
		case c := <-r.registerChan:
			r.log.Printf("relay: adding client %q on %q", c.endpoint.Id(), c.ns)
			r.clients[c] = struct{}{}
			r.stats.Incr(stats.RelayClients)
		case c := <-r.deRegisterChan:
			if _, ok := r.clients[c]; ok {
				r.log.Printf("relay: removing client %q on %q", c.endpoint.Id(), c.ns)
				delete(r.clients, c)
				r.stats.Decr(stats.RelayClients)
			}
		case <-r.stop:
			r.log.Println("relay: shutting down clients")
			for c := range r.clients {
				c.stopClient()
				delete(r.clients, c)
				r.stats.Decr(stats.RelayClients)
			}

			close(r.done)
			return
		}
	}
}

// Store returns the medium for ns, creating it on first use.
func (r *Relay) Store(ns channel.Namespace) *channel.MemoryStore {
	ns = channel.Namespace(ns.String())

	r.storesLock.Lock()
	defer r.storesLock.Unlock()

	s, ok := r.stores[ns]
	if !ok {
		s = channel.NewMemoryStore(r.log)
		r.stores[ns] = s
	}
	return s
}

// Endpoint attaches an in-process context to ns alongside the remote ones.
func (r *Relay) Endpoint(ns channel.Namespace, id string) *channel.Endpoint {
	return r.Store(ns).Endpoint(id)
}

func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(r.allowedOrigins, origin)
}

// ServeWS upgrades the request and attaches the connection to the namespace
// named by the ns query parameter. The request context must carry the
// authenticated user; its writes are checked against that user.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	user, ok := identity.UserFromContext(req.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	r.pumpsLock.Lock()
	if r.closing {
		r.pumpsLock.Unlock()
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}
	r.pumps.Add(2)
	r.pumpsLock.Unlock()

	upgrader := websocket.Upgrader{CheckOrigin: r.checkOrigin}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Println("relay: error upgrading connection:", err)
		r.pumps.Add(-2)
		return
	}

	ns := channel.Namespace(channel.Namespace(req.URL.Query().Get("ns")).String())
	c := newClient(conn, r, user, ns, r.Endpoint(ns, ""), r.log)

	select {
	case r.registerChan <- c:
	case <-r.done:
		conn.Close()
		c.endpoint.Close()
		r.pumps.Add(-2)
		return
	}

	go func() {
		defer r.pumps.Done()
		c.Write()
	}()
	go func() {
		defer r.pumps.Done()
		c.Read()
	}()
}

func (r *Relay) deRegister(c *Client) {
	select {
	case r.deRegisterChan <- c:
	case <-r.done:
	}
}

// Shutdown disconnects every client and waits for their pumps to exit, or
// for ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.log.Println("relay: received shutdown signal")
	r.stopOnce.Do(func() {
		r.pumpsLock.Lock()
		r.closing = true
		r.pumpsLock.Unlock()
		close(r.stop)
	})

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
