package db

import (
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestNameplateRoundTrip(t *testing.T) {
	s := openTestStore(t)

	np, err := s.GetNameplate("appid", "1")
	if err != nil {
		t.Fatal(err)
	}
	if np != nil {
		t.Fatal("expected no nameplate in a fresh store")
	}

	npid, err := s.AddNameplate("appid", "1", "mbid")
	if err != nil {
		t.Fatal(err)
	}

	np, err = s.GetNameplate("appid", "1")
	if err != nil {
		t.Fatal(err)
	}
	if np == nil || np.ID != npid || np.MailboxID != "mbid" {
		t.Fatalf("unexpected nameplate row %+v", np)
	}

	if err := s.AddNameplateSide(npid, "side1", 10); err != nil {
		t.Fatal(err)
	}
	sides, err := s.NameplateSides(npid)
	if err != nil {
		t.Fatal(err)
	}
	if len(sides) != 1 || !sides[0].Claimed || sides[0].Added != 10 {
		t.Fatalf("unexpected side rows %+v", sides)
	}

	if err := s.ReleaseNameplateSide(npid, "side1"); err != nil {
		t.Fatal(err)
	}
	sides, _ = s.NameplateSides(npid)
	if sides[0].Claimed {
		t.Error("side should no longer be claimed")
	}

	if err := s.DeleteNameplate(npid); err != nil {
		t.Fatal(err)
	}
	np, _ = s.GetNameplate("appid", "1")
	if np != nil {
		t.Error("nameplate should be gone")
	}
	sides, _ = s.NameplateSides(npid)
	if len(sides) != 0 {
		t.Error("side rows should be gone with the nameplate")
	}
}

func TestCreateNameplateAtomic(t *testing.T) {
	s := openTestStore(t)

	npid, err := s.CreateNameplate("appid", "1", "mbid", "side1", 5)
	if err != nil {
		t.Fatal(err)
	}
	sides, err := s.NameplateSides(npid)
	if err != nil {
		t.Fatal(err)
	}
	if len(sides) != 1 || !sides[0].Claimed || sides[0].Added != 5 {
		t.Fatalf("unexpected side rows %+v", sides)
	}
	mb, err := s.GetMailbox("appid", "mbid")
	if err != nil {
		t.Fatal(err)
	}
	if mb == nil || !mb.ForNameplate || mb.Updated != 5 {
		t.Fatalf("unexpected mailbox row %+v", mb)
	}

	//a failing insert rolls the whole claim back
	if _, err := s.CreateNameplate("appid", "2", "mbid", "side2", 6); err == nil {
		t.Fatal("reusing a mailbox id should fail")
	}
	np, err := s.GetNameplate("appid", "2")
	if err != nil {
		t.Fatal(err)
	}
	if np != nil {
		t.Error("half-created nameplate survived the rollback")
	}
}

func TestInMemoryStoreSharedAcrossPool(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddMailbox("appid", "mbid", false, 1); err != nil {
		t.Fatal(err)
	}

	//Concurrent access must not spill onto extra pool
	//connections, which would each carry an empty database
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Messages("appid", "mbid"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent query failed: %v", err)
	}
}

func TestMailboxDeleteClearsMessages(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddMailbox("appid", "mbid", false, 1); err != nil {
		t.Fatal(err)
	}
	//Re-adding is a no-op
	if err := s.AddMailbox("appid", "mbid", true, 2); err != nil {
		t.Fatal(err)
	}
	mb, err := s.GetMailbox("appid", "mbid")
	if err != nil {
		t.Fatal(err)
	}
	if mb.Updated != 1 || mb.ForNameplate {
		t.Fatalf("second add should not have altered the row: %+v", mb)
	}

	if err := s.AddMailboxSide("mbid", "side1", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMessage(Message{
		MsgID: "msgid", AppID: "appid", MailboxID: "mbid",
		Side: "side1", Phase: "pake", Body: "body", ServerRX: 2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMailbox("appid", "mbid"); err != nil {
		t.Fatal(err)
	}
	msgs, err := s.Messages("appid", "mbid")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("messages should be deleted with the mailbox")
	}
	sides, _ := s.MailboxSides("mbid")
	if len(sides) != 0 {
		t.Error("sides should be deleted with the mailbox")
	}
}

func TestMessageOrderingByInsertion(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddMailbox("appid", "mbid", false, 0); err != nil {
		t.Fatal(err)
	}

	//Same server_rx on purpose; insertion order must hold
	for _, body := range []string{"one", "two", "three"} {
		err := s.AddMessage(Message{
			MsgID: "msgid", AppID: "appid", MailboxID: "mbid",
			Side: "side1", Phase: "phase", Body: body, ServerRX: 5,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.Messages("appid", "mbid")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Body != want {
			t.Errorf("message %d body = %q, wanted %q", i, msgs[i].Body, want)
		}
	}
}

func TestUsageRows(t *testing.T) {
	s := openTestStore(t)

	waiting := int64(3)
	if err := s.AddNameplateUsage("appid", Usage{
		Started: 0, WaitingTime: &waiting, TotalTime: 7, Result: "crowded",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddMailboxUsage("appid", Usage{
		Started: 1, TotalTime: 4, Result: "lonely",
	}); err != nil {
		t.Fatal(err)
	}

	nus, err := s.NameplateUsage("appid")
	if err != nil {
		t.Fatal(err)
	}
	if len(nus) != 1 || nus[0].Result != "crowded" || nus[0].WaitingTime == nil || *nus[0].WaitingTime != 3 {
		t.Fatalf("unexpected nameplate usage %+v", nus)
	}

	mus, err := s.MailboxUsage("appid")
	if err != nil {
		t.Fatal(err)
	}
	if len(mus) != 1 || mus[0].Result != "lonely" || mus[0].WaitingTime != nil {
		t.Fatalf("unexpected mailbox usage %+v", mus)
	}

	if err := s.AddTransitUsage(TransitUsage{
		Started: 10, TotalTime: 5, TotalBytes: 20000, Result: "happy",
	}); err != nil {
		t.Fatal(err)
	}
	tus, err := s.TransitUsageRows()
	if err != nil {
		t.Fatal(err)
	}
	if len(tus) != 1 || tus[0].TotalBytes != 20000 {
		t.Fatalf("unexpected transit usage %+v", tus)
	}
}
