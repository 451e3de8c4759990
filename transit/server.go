//Package transit implements the bulk-transfer relay: two clients that
//present the same 64 digit hex token get their TCP streams glued
//together, and the relay pipes bytes blindly in both directions.
package transit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"wormholed/config"
	"wormholed/db"
	"wormholed/log"
	"wormholed/metrics"
)

//Server accepts transit connections, parks the first side of each
//token, and pairs the second side with it.
type Server struct {
	opts      config.Options
	store     *db.Store
	collector metrics.Collector
	blurUsage int64

	listener net.Listener

	mux     sync.Mutex
	pending map[string]*client
	conns   map[*client]struct{}
	closed  bool
}

//NewServer wires a transit server against the given store. The store
//stays owned by the caller; Shutdown does not close it.
func NewServer(opts config.Options, store *db.Store, collector metrics.Collector) *Server {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Server{
		opts:      opts,
		store:     store,
		collector: collector,
		blurUsage: int64(opts.Relay.BlurUsage),
		pending:   make(map[string]*client),
		conns:     make(map[*client]struct{}),
	}
}

//Start listens and serves connections until Shutdown. It blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.opts.Transit.Host, s.opts.Transit.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mux.Unlock()

	log.Infof("transit server listening on %s", addr)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.serveConn(conn)
	}
}

//Addr returns the bound listen address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serveConn(conn net.Conn) {
	s.collector.TransitConnection()

	c := newClient(s, conn)
	s.mux.Lock()
	s.conns[c] = struct{}{}
	s.mux.Unlock()

	go c.run()
}

//Shutdown stops accepting and severs every connection, parked or
//piping. In-flight transfers end as they would on any relay failure.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mux.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mux.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	return nil
}

func (s *Server) removeClient(c *client) {
	s.mux.Lock()
	delete(s.conns, c)
	s.mux.Unlock()
}

//blurStarted rounds a start timestamp down to the usage blur window
func (s *Server) blurStarted(started int64) int64 {
	if s.blurUsage <= 0 {
		return started
	}
	return started - (started % s.blurUsage)
}

//blurBytes coarsens a transfer size for the usage record. Sizes are
//only blurred when time blurring is on as well
func (s *Server) blurBytes(total int64) int64 {
	if s.blurUsage <= 0 {
		return total
	}
	return blurSize(total)
}

//recordUsage persists one finished connection or pairing
func (s *Server) recordUsage(started, now, totalBytes int64, result string) {
	bytes := s.blurBytes(totalBytes)
	s.collector.TransitResult(result, bytes)

	err := s.store.AddTransitUsage(db.TransitUsage{
		Started:    s.blurStarted(started),
		TotalTime:  now - started,
		TotalBytes: bytes,
		Result:     result,
	})
	if err != nil {
		log.Err("failed to record transit usage", err)
	}
	if log.UsageEnabled() {
		log.Debugf("transit connection done: %s, %d bytes", result, bytes)
	}
}

//blurSize rounds a byte count up so usage records only reveal the
//order of magnitude of a transfer. Small transfers all look like 10kB,
//then granularity steps with size: 10kB up to 1MB, 1MB up to 1GB, and
//100MB beyond that
func blurSize(size int64) int64 {
	if size == 0 {
		return 0
	}
	if size < 1e4 {
		return 1e4
	}
	if size < 1e6 {
		return roundUp(size, 1e4)
	}
	if size < 1e9 {
		return roundUp(size, 1e6)
	}
	return roundUp(size, 1e8)
}

func roundUp(size, to int64) int64 {
	return ((size + to - 1) / to) * to
}
