package relay

import (
	"testing"
)

func openTestMailbox(t *testing.T, app *AppNamespace, side string, now int64) *Mailbox {
	t.Helper()
	mb, err := app.OpenMailbox("mb1", side, now)
	if err != nil {
		t.Fatalf("open by %s failed: %v", side, err)
	}
	return mb
}

func TestMailboxCrowding(t *testing.T) {
	app := newTestApp(t)

	mb := openTestMailbox(t, app, "side1", 1)
	if again := openTestMailbox(t, app, "side1", 2); again != mb {
		t.Fatal("re-open returned a different mailbox object")
	}
	openTestMailbox(t, app, "side2", 3)

	if _, err := app.OpenMailbox("mb1", "side3", 4); err != ErrCrowded {
		t.Fatalf("third side open returned %v, want ErrCrowded", err)
	}
}

func TestMailboxFanout(t *testing.T) {
	app := newTestApp(t)
	mb := openTestMailbox(t, app, "side1", 1)

	var got1, got2 []SidedMessage
	if err := mb.AddListener("l1", func(sm SidedMessage) { got1 = append(got1, sm) }, nil); err != nil {
		t.Fatalf("first listener failed: %v", err)
	}

	m1 := SidedMessage{Side: "side1", Phase: "pake", Body: "aabb", ServerRX: 10, MsgID: "m1"}
	if err := mb.AddMessage(m1); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(got1) != 1 || got1[0] != m1 {
		t.Fatalf("listener got %v, want [%v]", got1, m1)
	}

	//a late listener replays the backlog before anything new
	if err := mb.AddListener("l2", func(sm SidedMessage) { got2 = append(got2, sm) }, nil); err != nil {
		t.Fatalf("second listener failed: %v", err)
	}
	if len(got2) != 1 || got2[0] != m1 {
		t.Fatalf("late listener got %v, want the backlog [%v]", got2, m1)
	}

	m2 := SidedMessage{Side: "side2", Phase: "version", Body: "ccdd", ServerRX: 11, MsgID: "m2"}
	if err := mb.AddMessage(m2); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(got1) != 2 || len(got2) != 2 {
		t.Fatalf("fan-out reached %d/%d listeners, want 2/2", len(got1), len(got2))
	}

	//duplicate ids are stored and delivered again, clients deduplicate
	if err := mb.AddMessage(m1); err != nil {
		t.Fatalf("duplicate add failed: %v", err)
	}
	if len(got1) != 3 {
		t.Fatalf("duplicate was not redelivered, got %d messages", len(got1))
	}

	mb.RemoveListener("l1")
	if err := mb.AddMessage(m2); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if len(got1) != 3 {
		t.Fatal("removed listener still receiving")
	}
	if len(got2) != 4 {
		t.Fatalf("remaining listener got %d messages, want 4", len(got2))
	}
}

func TestMailboxClose(t *testing.T) {
	app := newTestApp(t)

	mb := openTestMailbox(t, app, "side1", 4)
	openTestMailbox(t, app, "side2", 10)
	mb.AddMessage(SidedMessage{Side: "side1", Phase: "pake", Body: "aabb", ServerRX: 11, MsgID: "m1"})

	stopped := false
	if err := mb.AddListener("l1", func(SidedMessage) {}, func() { stopped = true }); err != nil {
		t.Fatalf("listener failed: %v", err)
	}

	if err := mb.Close("side1", "happy", 20); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if stopped {
		t.Fatal("listeners stopped while a side is still open")
	}

	//closing an already closed side changes nothing
	if err := mb.Close("side1", "happy", 21); err != nil {
		t.Fatalf("repeat close failed: %v", err)
	}
	if u, _ := app.store.MailboxUsage("appid"); len(u) != 0 {
		t.Fatal("usage recorded before the last side closed")
	}

	if err := mb.Close("side2", "happy", 30); err != nil {
		t.Fatalf("last close failed: %v", err)
	}
	if !stopped {
		t.Fatal("listeners survived the mailbox")
	}

	box, err := app.store.GetMailbox("appid", "mb1")
	if err != nil {
		t.Fatalf("mailbox lookup failed: %v", err)
	}
	if box != nil {
		t.Fatal("mailbox row survived the last close")
	}
	if msgs, _ := app.store.Messages("appid", "mb1"); len(msgs) != 0 {
		t.Fatal("messages survived the mailbox")
	}

	usage, err := app.store.MailboxUsage("appid")
	if err != nil || len(usage) != 1 {
		t.Fatalf("got usage %v (err %v), want one row", usage, err)
	}
	u := usage[0]
	if u.Started != 4 || u.TotalTime != 26 || u.Result != "happy" {
		t.Fatalf("got usage %+v, want started=4 total=26 happy", u)
	}
	if u.WaitingTime == nil || *u.WaitingTime != 6 {
		t.Fatalf("got waiting %v, want 6", u.WaitingTime)
	}
}

func TestMailboxCloseUnknownSide(t *testing.T) {
	app := newTestApp(t)

	mb := openTestMailbox(t, app, "side1", 1)
	if err := mb.Close("side9", "happy", 2); err != nil {
		t.Fatalf("close by unknown side failed: %v", err)
	}
	if box, _ := app.store.GetMailbox("appid", "mb1"); box == nil {
		t.Fatal("mailbox deleted by a side that never opened it")
	}
}

func TestMailboxLonelyMoodWins(t *testing.T) {
	app := newTestApp(t)

	mb := openTestMailbox(t, app, "side1", 1)
	if err := mb.Close("side1", "lonely", 9); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	usage, _ := app.store.MailboxUsage("appid")
	if len(usage) != 1 || usage[0].Result != "lonely" {
		t.Fatalf("got usage %v, want one lonely row", usage)
	}
	if usage[0].WaitingTime != nil {
		t.Fatal("waiting time recorded for a single side")
	}
}
