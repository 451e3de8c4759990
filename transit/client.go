package transit

import (
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"wormholed/log"
)

const (
	tokenLen = 64

	//handshakeLen is the exact length of a relay handshake:
	//"please relay " + 64 hex digits + newline
	handshakeLen = 13 + tokenLen + 1
)

var handshakePattern = regexp.MustCompile(`^please relay ([0-9a-f]{64})\n$`)

//pairState is shared between two glued connections so the pairing is
//summarized exactly once, whichever side hangs up first
type pairState struct {
	started int64
	bytes   int64
	once    sync.Once
}

//client is one transit connection working through its short life:
//reading the handshake, waiting parked for a partner, then piping
//bytes at its buddy until either side hangs up.
type client struct {
	srv     *Server
	conn    net.Conn
	started int64

	//wmux serializes writes to conn once a buddy may be
	//forwarding into it
	wmux sync.Mutex

	//handshake accumulation, nil once judged
	buf []byte

	//guarded by srv.mux
	sentOK bool
	token  string
	buddy  *client
	early  []byte
	pair   *pairState
}

func newClient(srv *Server, conn net.Conn) *client {
	return &client{
		srv:     srv,
		conn:    conn,
		started: time.Now().Unix(),
	}
}

//run owns the connection's read loop and its teardown
func (c *client) run() {
	defer c.srv.removeClient(c)
	defer c.conn.Close()

	tmp := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			if !c.handleData(tmp[:n]) {
				return
			}
		}
		if err != nil {
			c.teardown()
			return
		}
	}
}

//handleData consumes one chunk from the socket. Returns false when the
//connection was rejected and its usage already recorded
func (c *client) handleData(p []byte) bool {
	c.srv.mux.Lock()
	if c.buddy != nil {
		buddy, pair := c.buddy, c.pair
		c.srv.mux.Unlock()

		atomic.AddInt64(&pair.bytes, int64(len(p)))
		buddy.wmux.Lock()
		_, err := buddy.conn.Write(p)
		buddy.wmux.Unlock()
		if err != nil {
			c.conn.Close()
		}
		return true
	}
	if c.sentOK {
		//parked and already talking, hold the bytes for the buddy
		c.early = append(c.early, p...)
		c.srv.mux.Unlock()
		return true
	}
	c.srv.mux.Unlock()

	c.buf = append(c.buf, p...)
	if len(c.buf) > handshakeLen {
		c.reject("impatient\n")
		return false
	}
	if len(c.buf) < handshakeLen {
		return true
	}

	m := handshakePattern.FindSubmatch(c.buf)
	if m == nil {
		c.reject("bad handshake\n")
		return false
	}
	c.acceptHandshake(string(m[1]))
	return true
}

//reject answers a broken handshake and writes the connection off
func (c *client) reject(reply string) {
	if log.UsageEnabled() {
		log.Debugf("transit handshake rejected: %s", reply[:len(reply)-1])
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	c.conn.Write([]byte(reply))
	c.conn.Close()
	c.srv.recordUsage(c.started, time.Now().Unix(), 0, "errory")
}

//acceptHandshake confirms the handshake and either pairs with the
//connection already parked on the token or parks this one
func (c *client) acceptHandshake(token string) {
	c.buf = nil
	c.conn.Write([]byte("ok\n"))

	//Taken before the buddy pointers are published so the parked
	//side cannot forward fresh bytes past the early flush below
	c.wmux.Lock()
	defer c.wmux.Unlock()

	c.srv.mux.Lock()
	c.sentOK = true
	c.token = token

	other, ok := c.srv.pending[token]
	if !ok {
		c.srv.pending[token] = c
		c.srv.mux.Unlock()
		return
	}
	delete(c.srv.pending, token)

	pair := &pairState{started: other.started}
	c.pair, other.pair = pair, pair
	c.buddy, other.buddy = other, c
	early := other.early
	other.early = nil
	c.srv.mux.Unlock()

	if log.UsageEnabled() {
		log.Debugf("transit pair matched on token %s…", token[:8])
	}

	//bytes the parked side sent ahead of us come through first
	if len(early) > 0 {
		atomic.AddInt64(&pair.bytes, int64(len(early)))
		if _, err := c.conn.Write(early); err != nil {
			c.conn.Close()
		}
	}
}

//teardown runs when the peer hangs up or the relay stops
func (c *client) teardown() {
	endTime := time.Now().Unix()

	c.srv.mux.Lock()
	buddy, pair := c.buddy, c.pair
	parked := c.sentOK && buddy == nil && c.srv.pending[c.token] == c
	if parked {
		delete(c.srv.pending, c.token)
	}
	handshook := c.sentOK
	c.srv.mux.Unlock()

	if buddy != nil {
		//sever the other half; the first side to get here writes
		//the one usage record for the pairing
		buddy.conn.Close()
		pair.once.Do(func() {
			c.srv.recordUsage(pair.started, endTime, atomic.LoadInt64(&pair.bytes), "happy")
		})
		return
	}
	if parked {
		c.srv.recordUsage(c.started, endTime, 0, "lonely")
		return
	}
	if !handshook {
		//hung up mid-handshake
		c.srv.recordUsage(c.started, endTime, 0, "errory")
	}
}
