package relay

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand"
	"strconv"
	"sync"

	"wormholed/db"
	"wormholed/metrics"
)

//ErrCrowded indicates a third side tried to claim a nameplate or open
//a mailbox that already has two.
var ErrCrowded = errors.New("crowded")

//usage results, also used as close moods where they overlap
const (
	resultHappy   = "happy"
	resultLonely  = "lonely"
	resultScary   = "scary"
	resultErrory  = "errory"
	resultPruney  = "pruney"
	resultCrowded = "crowded"
)

//AppNamespace holds all rendezvous state for a single application id:
//its nameplates, its mailboxes, and the in-memory mailbox objects that
//carry listeners. All mutation goes through the namespace mutex so the
//sqlite rows and the listener maps stay consistent with each other.
type AppNamespace struct {
	id        string
	store     *db.Store
	blurUsage int64
	collector metrics.Collector

	mux       sync.Mutex
	mailboxes map[string]*Mailbox
}

func newAppNamespace(id string, store *db.Store, blurUsage int64, collector metrics.Collector) *AppNamespace {
	return &AppNamespace{
		id:        id,
		store:     store,
		blurUsage: blurUsage,
		collector: collector,
		mailboxes: make(map[string]*Mailbox),
	}
}

//ID returns the application id this namespace serves.
func (a *AppNamespace) ID() string { return a.id }

//GetNameplateIDs returns the names of all nameplates currently claimed
//within this app.
func (a *AppNamespace) GetNameplateIDs() ([]string, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.store.NameplateNames(a.id)
}

//AllocateNameplate picks a free short numeric nameplate, claims it for
//the given side, and returns its name. Low numbers are preferred while
//few nameplates are active so codes stay easy to transcribe.
func (a *AppNamespace) AllocateNameplate(side string, now int64) (string, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	names, err := a.store.NameplateNames(a.id)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}
	name := pickNameplateName(taken)
	if _, err := a.claimNameplate(name, side, now); err != nil {
		return "", err
	}
	return name, nil
}

//pickNameplateName draws a random unclaimed numeric name. The range
//widens as the namespace fills: [1,10) while fewer than 9 are active,
//then [1,100), [1,1000), and finally [1,1000000).
func pickNameplateName(taken map[string]bool) string {
	var max int
	switch n := len(taken); {
	case n < 9:
		max = 10
	case n < 99:
		max = 100
	case n < 999:
		max = 1000
	default:
		max = 1000000
	}
	for {
		name := strconv.Itoa(1 + mrand.Intn(max-1))
		if !taken[name] {
			return name
		}
	}
}

//ClaimNameplate claims a nameplate for a side, creating the nameplate
//and its backing mailbox on first claim, and returns the mailbox id.
//A repeated claim by the same side is idempotent. A third distinct
//side is recorded but the claim fails with ErrCrowded.
func (a *AppNamespace) ClaimNameplate(name, side string, now int64) (string, error) {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.claimNameplate(name, side, now)
}

func (a *AppNamespace) claimNameplate(name, side string, now int64) (string, error) {
	np, err := a.store.GetNameplate(a.id, name)
	if err != nil {
		return "", err
	}

	if np == nil {
		mailboxID, err := generateMailboxID()
		if err != nil {
			return "", err
		}
		//mailbox, nameplate, and first side land as one commit
		if _, err := a.store.CreateNameplate(a.id, name, mailboxID, side, now); err != nil {
			return "", err
		}
		a.collector.NameplateClaimed()
		return mailboxID, nil
	}
	npid, mailboxID := np.ID, np.MailboxID

	// keep the backing mailbox fresh so pruning sees recent claims
	if err := a.store.TouchMailbox(a.id, mailboxID, now); err != nil {
		return "", err
	}

	sides, err := a.store.NameplateSides(npid)
	if err != nil {
		return "", err
	}
	active := 0
	for _, s := range sides {
		if s.Side == side {
			return mailboxID, nil
		}
		if s.Claimed {
			active++
		}
	}
	if err := a.store.AddNameplateSide(npid, side, now); err != nil {
		return "", err
	}
	if active >= 2 {
		return "", ErrCrowded
	}
	a.collector.NameplateClaimed()
	return mailboxID, nil
}

//ReleaseNameplate drops a side's claim. When the last claimed side
//releases, the nameplate is summarized into a usage record and deleted;
//its mailbox lives on until closed or pruned. Releasing a nameplate
//the side never claimed is a no-op.
func (a *AppNamespace) ReleaseNameplate(name, side string, now int64) error {
	a.mux.Lock()
	defer a.mux.Unlock()

	np, err := a.store.GetNameplate(a.id, name)
	if err != nil || np == nil {
		return err
	}
	sides, err := a.store.NameplateSides(np.ID)
	if err != nil {
		return err
	}
	held := false
	remaining := false
	for _, s := range sides {
		if s.Side == side {
			held = s.Claimed
		} else if s.Claimed {
			remaining = true
		}
	}
	if !held {
		return nil
	}
	if err := a.store.ReleaseNameplateSide(np.ID, side); err != nil {
		return err
	}
	if remaining {
		return nil
	}

	usage := summarizeNameplate(sides, now, false)
	if err := a.recordNameplateUsage(usage); err != nil {
		return err
	}
	return a.store.DeleteNameplate(np.ID)
}

//OpenMailbox opens (or re-opens) a mailbox for a side and returns the
//live mailbox object. A third distinct side is recorded but the open
//fails with ErrCrowded.
func (a *AppNamespace) OpenMailbox(mailboxID, side string, now int64) (*Mailbox, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	if err := a.store.AddMailbox(a.id, mailboxID, false, now); err != nil {
		return nil, err
	}
	mb := a.getMailbox(mailboxID)
	if err := mb.open(side, now); err != nil {
		return nil, err
	}
	return mb, nil
}

//getMailbox returns the in-memory object for a mailbox id, creating it
//on first use. Caller holds a.mux.
func (a *AppNamespace) getMailbox(mailboxID string) *Mailbox {
	mb, ok := a.mailboxes[mailboxID]
	if !ok {
		mb = newMailbox(a, mailboxID)
		a.mailboxes[mailboxID] = mb
	}
	return mb
}

//Prune deletes every mailbox that has no listeners and no activity at
//or after old, and every nameplate whose mailbox was deleted. Pruned
//rows are summarized into usage records with the pruney result.
func (a *AppNamespace) Prune(now, old int64) error {
	a.mux.Lock()
	defer a.mux.Unlock()

	boxes, err := a.store.MailboxesForApp(a.id)
	if err != nil {
		return err
	}
	pruned := make(map[string]bool)
	for _, box := range boxes {
		if mb, ok := a.mailboxes[box.ID]; ok && mb.hasListeners() {
			continue
		}
		live := box.Updated >= old
		sides, err := a.store.MailboxSides(box.ID)
		if err != nil {
			return err
		}
		for _, s := range sides {
			if s.Added >= old {
				live = true
			}
		}
		if live {
			continue
		}
		if len(sides) > 0 {
			if err := a.recordMailboxUsage(summarizeMailbox(sides, now, true)); err != nil {
				return err
			}
		}
		if err := a.store.DeleteMailbox(a.id, box.ID); err != nil {
			return err
		}
		if mb, ok := a.mailboxes[box.ID]; ok {
			mb.stopListeners()
			delete(a.mailboxes, box.ID)
		}
		pruned[box.ID] = true
	}

	nps, err := a.store.NameplatesForApp(a.id)
	if err != nil {
		return err
	}
	for _, np := range nps {
		if !pruned[np.MailboxID] {
			continue
		}
		sides, err := a.store.NameplateSides(np.ID)
		if err != nil {
			return err
		}
		if len(sides) > 0 {
			if err := a.recordNameplateUsage(summarizeNameplate(sides, now, true)); err != nil {
				return err
			}
		}
		if err := a.store.DeleteNameplate(np.ID); err != nil {
			return err
		}
	}
	return nil
}

//shutdown detaches all listeners without touching rows.
func (a *AppNamespace) shutdown() {
	a.mux.Lock()
	defer a.mux.Unlock()
	for _, mb := range a.mailboxes {
		mb.stopListeners()
	}
}

func (a *AppNamespace) recordNameplateUsage(u db.Usage) error {
	u.Started = a.blur(u.Started)
	a.collector.RendezvousResult("nameplate", u.Result)
	return a.store.AddNameplateUsage(a.id, u)
}

func (a *AppNamespace) recordMailboxUsage(u db.Usage) error {
	u.Started = a.blur(u.Started)
	a.collector.RendezvousResult("mailbox", u.Result)
	return a.store.AddMailboxUsage(a.id, u)
}

//blur rounds a start timestamp down to the configured window so usage
//records do not reveal precise connection times.
func (a *AppNamespace) blur(started int64) int64 {
	if a.blurUsage <= 0 {
		return started
	}
	return started - (started % a.blurUsage)
}

//summarizeNameplate condenses a nameplate's side rows into a usage
//record as of deleteTime.
func summarizeNameplate(sides []db.NameplateSide, deleteTime int64, pruned bool) db.Usage {
	added := make([]int64, 0, len(sides))
	for _, s := range sides {
		added = append(added, s.Added)
	}
	started, waiting := usageTimes(added)

	result := resultHappy
	switch {
	case len(sides) > 2:
		result = resultCrowded
	case pruned:
		result = resultPruney
	case len(sides) == 1:
		result = resultLonely
	}
	return db.Usage{
		Started:     started,
		TotalTime:   deleteTime - started,
		WaitingTime: waiting,
		Result:      result,
	}
}

//summarizeMailbox condenses a mailbox's side rows into a usage record
//as of deleteTime. First matching result wins: crowded, pruney, errory,
//scary, then the single side's own mood, then happy.
func summarizeMailbox(sides []db.MailboxSide, deleteTime int64, pruned bool) db.Usage {
	added := make([]int64, 0, len(sides))
	for _, s := range sides {
		added = append(added, s.Added)
	}
	started, waiting := usageTimes(added)

	var result string
	switch {
	case len(sides) > 2:
		result = resultCrowded
	case pruned:
		result = resultPruney
	case hasMood(sides, resultErrory):
		result = resultErrory
	case hasMood(sides, resultScary):
		result = resultScary
	case len(sides) == 1:
		result = resultLonely
		if sides[0].Mood != nil {
			result = *sides[0].Mood
		}
	default:
		result = resultHappy
	}
	return db.Usage{
		Started:     started,
		TotalTime:   deleteTime - started,
		WaitingTime: waiting,
		Result:      result,
	}
}

func hasMood(sides []db.MailboxSide, mood string) bool {
	for _, s := range sides {
		if s.Mood != nil && *s.Mood == mood {
			return true
		}
	}
	return false
}

//usageTimes returns the earliest added time and, when a second side
//joined, how long the first side waited for it.
func usageTimes(added []int64) (started int64, waiting *int64) {
	if len(added) == 0 {
		return 0, nil
	}
	first, second := added[0], int64(0)
	haveSecond := false
	for _, t := range added[1:] {
		if t < first {
			first, second, haveSecond = t, first, true
		} else if !haveSecond || t < second {
			second, haveSecond = t, true
		}
	}
	if !haveSecond {
		return first, nil
	}
	w := second - first
	return first, &w
}

func generateMailboxID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate mailbox id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
