package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wormholed/log"
	"wormholed/wire"
)

const (
	//writeWait is the time allowed to push a frame to the peer
	writeWait = 10 * time.Second

	//readWait is the time allowed to read the next pong from the peer
	readWait = 60 * time.Second

	//pingPeriod is the interval for pings, must be less then readWait
	pingPeriod = (readWait * 9) / 10

	//maxMessageSize sets the largest inbound frame we accept
	maxMessageSize = 1024

	//sendBufferSize bounds the per-client outbound frame queue
	sendBufferSize = 64
)

//Client is one websocket connection speaking the rendezvous protocol.
//A single reader goroutine drives the state machine and a single
//writer goroutine drains the send queue, so frame order on the wire
//matches enqueue order and every frame is acked before its reply.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send chan wire.ServerFrame
	done chan struct{}
	once sync.Once

	mux         sync.Mutex
	app         *AppNamespace
	side        string
	nameplate   string
	didAllocate bool
	mailbox     *Mailbox
}

func newClient(server *Server, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		send:   make(chan wire.ServerFrame, sendBufferSize),
		done:   make(chan struct{}),
	}
}

//run services the connection until either side goes away. It blocks
//for the lifetime of the socket.
func (c *Client) run() {
	if log.UsageEnabled() {
		c.log().Debug("client connected")
	}
	c.server.collector.ClientConnected()

	go c.watchWrites()
	c.enqueue(wire.NewWelcome(c.server.service.Welcome()))
	c.watchReads()
}

func (c *Client) log() *logrus.Entry {
	return clientLog(c)
}

//close shuts the socket down once; safe from any goroutine
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

//enqueue hands a frame to the writer goroutine. It blocks when the
//queue is full, which throttles fast senders to the pace of this
//client's socket
func (c *Client) enqueue(f wire.ServerFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	}
}

//watchReads pumps inbound frames into the state machine and owns all
//teardown for the connection
func (c *Client) watchReads() {
	defer func() {
		c.close()

		c.mux.Lock()
		mb := c.mailbox
		c.mailbox = nil
		c.mux.Unlock()
		if mb != nil {
			//drop the listener but leave the side open; only an
			//explicit close or pruning finishes the mailbox
			mb.RemoveListener(c.id)
		}

		c.server.removeClient(c)
		c.server.collector.ClientDisconnected()
		if log.UsageEnabled() {
			c.log().Debug("client disconnected")
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Err("client %s read failed", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.onMessage(data)
	}
}

//watchWrites drains the send queue onto the socket, stamping each
//frame with its transmit time, and keeps the keepalive pings flowing
func (c *Client) watchWrites() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.send:
			f.Stamp(time.Now().Unix())
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal(f)
			if err != nil {
				log.Err("client %s marshal failed", c.id, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

//onMessage handles one inbound frame: ack it, then dispatch. Protocol
//mistakes come back as error frames echoing the offending frame; the
//connection stays up
func (c *Client) onMessage(data []byte) {
	now := time.Now().Unix()

	in, err := wire.Parse(data)
	if err != nil {
		if log.UsageEnabled() {
			c.log().Debug("unparseable frame")
		}
		c.enqueue(wire.NewError("malformed message", nil))
		return
	}
	c.enqueue(wire.NewAck(in.ID))

	if in.Type == "" {
		c.sendError("missing 'type'", in)
		return
	}

	c.mux.Lock()
	bound := c.app != nil
	c.mux.Unlock()
	if !bound && in.Type != "ping" && in.Type != "bind" {
		c.sendError("must bind first", in)
		return
	}

	var errMsg string
	switch in.Type {
	case "ping":
		errMsg = c.handlePing(in)
	case "bind":
		errMsg = c.handleBind(in)
	case "list":
		errMsg = c.handleList(in)
	case "allocate":
		errMsg = c.handleAllocate(in, now)
	case "claim":
		errMsg = c.handleClaim(in, now)
	case "release":
		errMsg = c.handleRelease(in, now)
	case "open":
		errMsg = c.handleOpen(in, now)
	case "add":
		errMsg = c.handleAdd(in, now)
	case "close":
		errMsg = c.handleClose(in, now)
	default:
		errMsg = "unknown type"
	}
	if errMsg != "" {
		c.sendError(errMsg, in)
	}
}

//reply enqueues a frame answering one inbound frame, echoing the
//inbound id when the client supplied one
func (c *Client) reply(in *wire.Inbound, f wire.ServerFrame) {
	if in.ID != nil {
		f.SetID(in.ID)
	}
	c.enqueue(f)
}

func (c *Client) sendError(msg string, in *wire.Inbound) {
	if log.UsageEnabled() {
		c.log().Debugf("protocol error: %s", msg)
	}
	c.enqueue(wire.NewError(msg, in.Orig()))
}

func (c *Client) handlePing(in *wire.Inbound) string {
	if !in.Has("ping") {
		return "ping requires 'ping'"
	}
	c.reply(in, wire.NewPong(in.Get("ping")))
	return ""
}

func (c *Client) handleBind(in *wire.Inbound) string {
	c.mux.Lock()
	bound := c.app != nil
	c.mux.Unlock()
	if bound {
		return "already bound"
	}
	appID, ok := in.Str("appid")
	if !ok {
		return "bind requires 'appid'"
	}
	side, ok := in.Str("side")
	if !ok {
		return "bind requires 'side'"
	}

	app := c.server.service.GetApp(appID)
	c.mux.Lock()
	c.app = app
	c.side = side
	c.mux.Unlock()
	return ""
}

func (c *Client) handleList(in *wire.Inbound) string {
	if !c.server.allowList {
		return "listing is disabled"
	}
	names, err := c.app.GetNameplateIDs()
	if err != nil {
		return c.internalError("list", err)
	}
	c.reply(in, wire.NewNameplates(names))
	return ""
}

func (c *Client) handleAllocate(in *wire.Inbound, now int64) string {
	c.mux.Lock()
	did := c.didAllocate
	side := c.side
	c.mux.Unlock()
	if did {
		return "you already allocated one, don't be greedy"
	}

	name, err := c.app.AllocateNameplate(side, now)
	if err != nil {
		return c.internalError("allocate", err)
	}
	c.mux.Lock()
	c.didAllocate = true
	c.nameplate = name
	c.mux.Unlock()
	c.reply(in, wire.NewAllocated(name))
	return ""
}

func (c *Client) handleClaim(in *wire.Inbound, now int64) string {
	name, ok := in.Str("nameplate")
	if !ok {
		return "claim requires 'nameplate'"
	}
	c.mux.Lock()
	side := c.side
	//remember the name even if the claim gets rejected, a crowded
	//side still has to be able to release it
	c.nameplate = name
	c.mux.Unlock()

	mailboxID, err := c.app.ClaimNameplate(name, side, now)
	if err == ErrCrowded {
		return "crowded"
	}
	if err != nil {
		return c.internalError("claim", err)
	}
	c.reply(in, wire.NewClaimed(mailboxID))
	return ""
}

func (c *Client) handleRelease(in *wire.Inbound, now int64) string {
	c.mux.Lock()
	held := c.nameplate
	side := c.side
	c.mux.Unlock()

	name := held
	if supplied, ok := in.Str("nameplate"); ok {
		if held != "" && held != supplied {
			return "release and claim must use the same nameplate"
		}
		name = supplied
	}
	if name == "" {
		return "must claim a nameplate before releasing it"
	}

	if err := c.app.ReleaseNameplate(name, side, now); err != nil {
		return c.internalError("release", err)
	}
	c.mux.Lock()
	c.nameplate = ""
	c.mux.Unlock()
	c.reply(in, wire.NewReleased())
	return ""
}

func (c *Client) handleOpen(in *wire.Inbound, now int64) string {
	mailboxID, ok := in.Str("mailbox")
	if !ok {
		return "open requires 'mailbox'"
	}
	c.mux.Lock()
	open := c.mailbox != nil
	side := c.side
	c.mux.Unlock()
	if open {
		return "you already have a mailbox open"
	}

	mb, err := c.app.OpenMailbox(mailboxID, side, now)
	if err == ErrCrowded {
		return "crowded"
	}
	if err != nil {
		return c.internalError("open", err)
	}

	c.mux.Lock()
	c.mailbox = mb
	c.mux.Unlock()

	if err := mb.AddListener(c.id, c.deliver, c.onMailboxStop); err != nil {
		return c.internalError("open", err)
	}
	return ""
}

func (c *Client) handleAdd(in *wire.Inbound, now int64) string {
	c.mux.Lock()
	mb := c.mailbox
	side := c.side
	c.mux.Unlock()
	if mb == nil {
		return "must open mailbox before adding"
	}
	phase, ok := in.Str("phase")
	if !ok {
		return "missing 'phase'"
	}
	body, ok := in.Str("body")
	if !ok {
		return "missing 'body'"
	}
	msgID, _ := in.ID.(string)

	err := mb.AddMessage(SidedMessage{
		Side:     side,
		Phase:    phase,
		Body:     body,
		ServerRX: now,
		MsgID:    msgID,
	})
	if err != nil {
		return c.internalError("add", err)
	}
	return ""
}

func (c *Client) handleClose(in *wire.Inbound, now int64) string {
	c.mux.Lock()
	mb := c.mailbox
	side := c.side
	c.mux.Unlock()
	if mb == nil {
		return "must open mailbox before closing"
	}
	if supplied, ok := in.Str("mailbox"); ok && supplied != mb.ID() {
		return "open and close must use the same mailbox"
	}
	mood, _ := in.Str("mood")

	//detach first so the teardown fan-out never loops back here
	mb.RemoveListener(c.id)
	c.mux.Lock()
	c.mailbox = nil
	c.mux.Unlock()

	if err := mb.Close(side, mood, now); err != nil {
		return c.internalError("close", err)
	}
	c.reply(in, wire.NewClosed())
	return ""
}

//deliver pushes one mailbox message at this client. Fan-out runs
//under the namespace lock, so it must never block: a client whose
//queue is full gets cut loose instead of stalling the whole app
func (c *Client) deliver(sm SidedMessage) {
	select {
	case c.send <- wire.NewMessage(sm.Side, sm.Phase, sm.Body, sm.ServerRX, sm.MsgID):
	case <-c.done:
	default:
		c.close()
	}
}

//onMailboxStop fires when the mailbox goes away underneath us, during
//pruning or process shutdown
func (c *Client) onMailboxStop() {
	c.mux.Lock()
	c.mailbox = nil
	c.mux.Unlock()
}

//internalError logs a storage failure and hides the detail from the
//client
func (c *Client) internalError(op string, err error) string {
	log.Err("client %s: %s failed", c.id, op, err)
	return "internal error"
}
