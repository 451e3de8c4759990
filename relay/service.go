package relay

import (
	"sync"

	"wormholed/db"
	"wormholed/metrics"
	"wormholed/wire"
)

//Rendezvous is the root of the rendezvous state machine. It hands out
//per-application namespaces and owns nothing else; all nameplate,
//mailbox and message state lives in the namespaces and the store.
type Rendezvous struct {
	store     *db.Store
	welcome   wire.WelcomeInfo
	blurUsage int64
	collector metrics.Collector

	mux  sync.Mutex
	apps map[string]*AppNamespace
}

//NewRendezvous constructs a Rendezvous backed by the given store.
//blurUsage is the usage-record rounding window in seconds, 0 disables it.
func NewRendezvous(store *db.Store, welcome wire.WelcomeInfo, blurUsage int64, collector metrics.Collector) *Rendezvous {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Rendezvous{
		store:     store,
		welcome:   welcome,
		blurUsage: blurUsage,
		collector: collector,
		apps:      make(map[string]*AppNamespace),
	}
}

//Welcome returns the frame contents sent to every client on connect.
func (r *Rendezvous) Welcome() wire.WelcomeInfo {
	return r.welcome
}

//GetApp returns the namespace for the given application id, creating it
//on first use. The same id always yields the same namespace; namespaces
//are never evicted while the process runs.
func (r *Rendezvous) GetApp(id string) *AppNamespace {
	r.mux.Lock()
	defer r.mux.Unlock()

	app, ok := r.apps[id]
	if !ok {
		app = newAppNamespace(id, r.store, r.blurUsage, r.collector)
		r.apps[id] = app
	}
	return app
}

//PruneAllApps expires stale nameplates and mailboxes in every app that
//has state on disk or in memory. old is the liveness cutoff timestamp.
func (r *Rendezvous) PruneAllApps(now, old int64) error {
	ids, err := r.store.AppIDs()
	if err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, id := range ids {
		seen[id] = true
	}
	r.mux.Lock()
	for id := range r.apps {
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	r.mux.Unlock()

	for _, id := range ids {
		if err := r.GetApp(id).Prune(now, old); err != nil {
			return err
		}
	}
	return nil
}

//Stop detaches all mailbox listeners without touching stored state,
//used during process shutdown.
func (r *Rendezvous) Stop() {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, app := range r.apps {
		app.shutdown()
	}
}
