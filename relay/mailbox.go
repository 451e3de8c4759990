package relay

import (
	"wormholed/db"
)

//SidedMessage is one message as stored and relayed: who said it, which
//protocol phase it belongs to, and the hex body.
type SidedMessage struct {
	Side     string
	Phase    string
	Body     string
	ServerRX int64
	MsgID    string
}

type listener struct {
	onMessage func(SidedMessage)
	onStop    func()
}

//Mailbox is the live half of a mailbox row: the set of connected
//listeners waiting for messages. Stored state (sides, messages) stays
//in the app's store; the object exists so deliveries and teardown can
//reach the connections currently watching the box. All methods
//serialize through the owning namespace's mutex, which keeps the
//snapshot a new listener receives consistent with the fan-out stream.
type Mailbox struct {
	app       *AppNamespace
	id        string
	listeners map[string]*listener
}

func newMailbox(app *AppNamespace, id string) *Mailbox {
	return &Mailbox{
		app:       app,
		id:        id,
		listeners: make(map[string]*listener),
	}
}

//ID returns the mailbox identifier.
func (m *Mailbox) ID() string { return m.id }

//open records a side on the mailbox. Re-opening by a known side is
//idempotent; a third distinct side is recorded but rejected with
//ErrCrowded. Caller holds the namespace mutex.
func (m *Mailbox) open(side string, now int64) error {
	sides, err := m.app.store.MailboxSides(m.id)
	if err != nil {
		return err
	}
	for _, s := range sides {
		if s.Side == side {
			return m.app.store.TouchMailbox(m.app.id, m.id, now)
		}
	}
	if err := m.app.store.AddMailboxSide(m.id, side, now); err != nil {
		return err
	}
	if err := m.app.store.TouchMailbox(m.app.id, m.id, now); err != nil {
		return err
	}
	if len(sides) >= 2 {
		return ErrCrowded
	}
	return nil
}

//AddListener registers a delivery callback under the given handle and
//replays every stored message into it before returning. Replay and
//registration happen in one critical section, so a message added
//concurrently arrives through the callback exactly once, after the
//backlog, in store order.
func (m *Mailbox) AddListener(handle string, onMessage func(SidedMessage), onStop func()) error {
	m.app.mux.Lock()
	defer m.app.mux.Unlock()

	rows, err := m.app.store.Messages(m.app.id, m.id)
	if err != nil {
		return err
	}
	m.listeners[handle] = &listener{onMessage: onMessage, onStop: onStop}
	for _, r := range rows {
		onMessage(SidedMessage{
			Side:     r.Side,
			Phase:    r.Phase,
			Body:     r.Body,
			ServerRX: r.ServerRX,
			MsgID:    r.MsgID,
		})
	}
	return nil
}

//RemoveListener detaches a listener. Unknown handles are ignored.
func (m *Mailbox) RemoveListener(handle string) {
	m.app.mux.Lock()
	defer m.app.mux.Unlock()
	delete(m.listeners, handle)
}

//AddMessage stores a message and delivers it to every current listener,
//including the sender's own. Duplicate msg_ids are stored and delivered
//again; deduplication belongs to clients.
func (m *Mailbox) AddMessage(sm SidedMessage) error {
	m.app.mux.Lock()
	defer m.app.mux.Unlock()

	err := m.app.store.AddMessage(db.Message{
		MsgID:     sm.MsgID,
		AppID:     m.app.id,
		MailboxID: m.id,
		Side:      sm.Side,
		Phase:     sm.Phase,
		Body:      sm.Body,
		ServerRX:  sm.ServerRX,
	})
	if err != nil {
		return err
	}
	if err := m.app.store.TouchMailbox(m.app.id, m.id, sm.ServerRX); err != nil {
		return err
	}
	m.app.collector.MessageAdded()
	for _, l := range m.listeners {
		l.onMessage(sm)
	}
	return nil
}

//Close records a side's mood and marks it closed. Closing a side the
//mailbox never saw, or one already closed, is ignored. When the last
//open side closes, the mailbox is summarized into a usage record and
//deleted along with its messages, and remaining listeners are stopped.
func (m *Mailbox) Close(side, mood string, now int64) error {
	m.app.mux.Lock()
	defer m.app.mux.Unlock()

	sides, err := m.app.store.MailboxSides(m.id)
	if err != nil {
		return err
	}
	var mine *db.MailboxSide
	stillOpen := false
	for i := range sides {
		s := &sides[i]
		if s.Side == side {
			mine = s
		} else if s.Opened {
			stillOpen = true
		}
	}
	if mine == nil || !mine.Opened {
		return nil
	}
	if err := m.app.store.CloseMailboxSide(m.id, side, mood); err != nil {
		return err
	}
	mine.Opened = false
	mine.Mood = nil
	if mood != "" {
		mine.Mood = &mood
	}
	if stillOpen {
		return nil
	}

	//a mailbox backing a live nameplate outlives its last close, the
	//claimant may still hand its id to a partner
	refs, err := m.app.store.NameplateRefCount(m.app.id, m.id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return nil
	}

	if err := m.app.recordMailboxUsage(summarizeMailbox(sides, now, false)); err != nil {
		return err
	}
	if err := m.app.store.DeleteMailbox(m.app.id, m.id); err != nil {
		return err
	}
	m.stopListeners()
	delete(m.app.mailboxes, m.id)
	return nil
}

//hasListeners reports whether any connection is watching the box.
//Caller holds the namespace mutex.
func (m *Mailbox) hasListeners() bool {
	return len(m.listeners) > 0
}

//stopListeners fires every listener's stop callback and clears the
//map. Caller holds the namespace mutex.
func (m *Mailbox) stopListeners() {
	for _, l := range m.listeners {
		if l.onStop != nil {
			l.onStop()
		}
	}
	m.listeners = make(map[string]*listener)
}
