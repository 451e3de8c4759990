//Package wire defines the JSON frames exchanged over the
//rendezvous websocket. Inbound frames are kept as a generic
//field map because protocol errors must echo the offending
//frame back verbatim; outbound frames are typed and get
//stamped with server_tx (and the inbound id, when one was
//given) just before writing.
package wire

import "encoding/json"

//Frame type strings
const (
	TypeWelcome    = "welcome"
	TypeAck        = "ack"
	TypePong       = "pong"
	TypeNameplates = "nameplates"
	TypeAllocated  = "allocated"
	TypeClaimed    = "claimed"
	TypeReleased   = "released"
	TypeMessage    = "message"
	TypeClosed     = "closed"
	TypeError      = "error"
)

//Inbound is a single parsed client frame. Type is empty when
//the frame carried no (string) "type" field
type Inbound struct {
	Type   string
	ID     interface{}
	fields map[string]interface{}
}

//Parse decodes one inbound text frame. A decode failure is a
//transport error; a missing "type" is not, the caller reports
//that through the protocol instead
func Parse(data []byte) (*Inbound, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	in := &Inbound{fields: m}
	if t, ok := m["type"].(string); ok {
		in.Type = t
	}
	in.ID = m["id"]
	return in, nil
}

//Str returns the named field when it is present and a string
func (in *Inbound) Str(key string) (string, bool) {
	v, ok := in.fields[key].(string)
	return v, ok
}

//Has reports whether the named field was present at all
func (in *Inbound) Has(key string) bool {
	_, ok := in.fields[key]
	return ok
}

//Get returns the named field as decoded
func (in *Inbound) Get(key string) interface{} {
	return in.fields[key]
}

//Orig returns the whole frame for echoing in error replies
func (in *Inbound) Orig() map[string]interface{} {
	return in.fields
}

//ServerFrame is any outbound frame; Stamp is called with the
//transmit timestamp right before the frame hits the socket
type ServerFrame interface {
	Stamp(serverTX int64)
	SetID(id interface{})
}

type frame struct {
	Type     string      `json:"type"`
	ServerTX int64       `json:"server_tx"`
	ID       interface{} `json:"id,omitempty"`
}

func (f *frame) Stamp(serverTX int64) { f.ServerTX = serverTX }
func (f *frame) SetID(id interface{}) { f.ID = id }

//WelcomeInfo carries the server greeting contents.
//The error field, when set, tells the client to disconnect
type WelcomeInfo struct {
	CurrentCLIVersion string `json:"current_cli_version,omitempty"`
	MOTD              string `json:"motd,omitempty"`
	Error             string `json:"error,omitempty"`
}

//Welcome is sent once, immediately after the socket opens
type Welcome struct {
	frame
	Info WelcomeInfo `json:"welcome"`
}

//NewWelcome builds a welcome frame
func NewWelcome(info WelcomeInfo) *Welcome {
	return &Welcome{frame: frame{Type: TypeWelcome}, Info: info}
}

//Ack acknowledges one inbound frame. Unlike the other frames
//its id field is always present, null when the inbound frame
//had none
type Ack struct {
	Type     string      `json:"type"`
	ServerTX int64       `json:"server_tx"`
	ID       interface{} `json:"id"`
}

//Stamp implements ServerFrame
func (a *Ack) Stamp(serverTX int64) { a.ServerTX = serverTX }

//SetID implements ServerFrame
func (a *Ack) SetID(id interface{}) { a.ID = id }

//NewAck builds an ack for the inbound id
func NewAck(id interface{}) *Ack {
	return &Ack{Type: TypeAck, ID: id}
}

//Pong answers a ping, echoing its payload
type Pong struct {
	frame
	Pong interface{} `json:"pong"`
}

//NewPong builds a pong frame
func NewPong(echo interface{}) *Pong {
	return &Pong{frame: frame{Type: TypePong}, Pong: echo}
}

//NameplateEntry is one listed nameplate
type NameplateEntry struct {
	ID string `json:"id"`
}

//Nameplates lists the nameplates currently claimed in the app
type Nameplates struct {
	frame
	Nameplates []NameplateEntry `json:"nameplates"`
}

//NewNameplates builds a nameplates frame from the short names
func NewNameplates(names []string) *Nameplates {
	entries := make([]NameplateEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, NameplateEntry{ID: n})
	}
	return &Nameplates{frame: frame{Type: TypeNameplates}, Nameplates: entries}
}

//Allocated returns a freshly allocated nameplate
type Allocated struct {
	frame
	Nameplate string `json:"nameplate"`
}

//NewAllocated builds an allocated frame
func NewAllocated(nameplate string) *Allocated {
	return &Allocated{frame: frame{Type: TypeAllocated}, Nameplate: nameplate}
}

//Claimed returns the mailbox id a claim resolved to
type Claimed struct {
	frame
	Mailbox string `json:"mailbox"`
}

//NewClaimed builds a claimed frame
func NewClaimed(mailbox string) *Claimed {
	return &Claimed{frame: frame{Type: TypeClaimed}, Mailbox: mailbox}
}

//Released confirms a nameplate release
type Released struct {
	frame
}

//NewReleased builds a released frame
func NewReleased() *Released {
	return &Released{frame: frame{Type: TypeReleased}}
}

//Message delivers one mailbox message to a listener
type Message struct {
	frame
	Side     string `json:"side"`
	Phase    string `json:"phase"`
	Body     string `json:"body"`
	ServerRX int64  `json:"server_rx"`
	MsgID    string `json:"msg_id"`
}

//NewMessage builds a message frame
func NewMessage(side, phase, body string, serverRX int64, msgID string) *Message {
	return &Message{
		frame:    frame{Type: TypeMessage},
		Side:     side,
		Phase:    phase,
		Body:     body,
		ServerRX: serverRX,
		MsgID:    msgID,
	}
}

//Closed confirms a mailbox close
type Closed struct {
	frame
}

//NewClosed builds a closed frame
func NewClosed() *Closed {
	return &Closed{frame: frame{Type: TypeClosed}}
}

//Error reports a protocol error; the connection stays open
type Error struct {
	frame
	Error string                 `json:"error"`
	Orig  map[string]interface{} `json:"orig"`
}

//NewError builds an error frame echoing the offending frame
func NewError(msg string, orig map[string]interface{}) *Error {
	return &Error{frame: frame{Type: TypeError}, Error: msg, Orig: orig}
}
