package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wormholed/config"
	"wormholed/db"
	"wormholed/log"
	"wormholed/metrics"
	"wormholed/wire"
)

//Server runs the rendezvous side of the wormhole service: the
//websocket endpoint at /v1, a plain index page, and the periodic
//channel pruning loop.
type Server struct {
	opts      config.Options
	service   *Rendezvous
	collector metrics.Collector
	allowList bool

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	mux      sync.Mutex
	clients  map[*Client]struct{}
	cleaning bool

	stopOnce  sync.Once
	stopClean chan struct{}
	cleanDone chan struct{}
}

//NewServer wires a relay server against the given store. The store
//stays owned by the caller; Shutdown does not close it.
func NewServer(opts config.Options, store *db.Store, collector metrics.Collector) *Server {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}

	welcome := wire.WelcomeInfo{
		CurrentCLIVersion: opts.Relay.AdvertisedVersion,
		MOTD:              opts.Relay.WelcomeMOTD,
		Error:             opts.Relay.WelcomeError,
	}

	s := &Server{
		opts:      opts,
		service:   NewRendezvous(store, welcome, int64(opts.Relay.BlurUsage), collector),
		collector: collector,
		allowList: opts.Relay.AllowList,
		clients:   make(map[*Client]struct{}),
		stopClean: make(chan struct{}),
		cleanDone: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/v1", s.handleWebsocket)
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Relay.Host, opts.Relay.Port),
		Handler: mux,
	}
	return s
}

//Service exposes the rendezvous state machine, mostly for tests and
//the clean command.
func (s *Server) Service() *Rendezvous {
	return s.service
}

//Start begins the pruning loop and serves HTTP until Shutdown. It
//blocks like http.Server.ListenAndServe does.
func (s *Server) Start() error {
	log.Infof("relay server listening on %s", s.httpSrv.Addr)
	s.mux.Lock()
	s.cleaning = true
	s.mux.Unlock()
	go s.watchCleaning()

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

//Shutdown stops accepting connections, drops the ones in flight, and
//halts pruning. Mailbox sides stay open on disk so clients can
//reconnect to a restarted server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopClean) })
	err := s.httpSrv.Shutdown(ctx)

	s.mux.Lock()
	cleaning := s.cleaning
	s.mux.Unlock()
	if cleaning {
		<-s.cleanDone
	}

	s.mux.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mux.Unlock()

	s.service.Stop()
	return err
}

//watchCleaning prunes expired channels on the configured interval
func (s *Server) watchCleaning() {
	defer close(s.cleanDone)

	interval := time.Duration(s.opts.Relay.CleaningInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().Unix()
			old := now - int64(s.opts.Relay.ChannelExpiration)
			if err := s.service.PruneAllApps(now, old); err != nil {
				log.Err("channel pruning failed", err)
			}
		case <-s.stopClean:
			return
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Wormhole Relay")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Err("websocket upgrade failed", err)
		return
	}

	c := newClient(s, conn)
	s.mux.Lock()
	s.clients[c] = struct{}{}
	s.mux.Unlock()

	go c.run()
}

func (s *Server) removeClient(c *Client) {
	s.mux.Lock()
	delete(s.clients, c)
	s.mux.Unlock()
}
