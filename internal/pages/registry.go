package pages

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/internal/errkind"
)

// Registry owns this worker's pages: primary index by page id, a
// secondary index by user for targeted fan-out. One mutex guards both;
// page closing always happens outside it.
type Registry struct {
	log       *zap.Logger
	idleTTL   time.Duration
	sweepTick time.Duration

	mu     sync.Mutex
	pages  map[string]*Page
	byUser map[string]map[string]*Page

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. Pages idle longer than idleTTL are
// swept every sweepTick once Start runs.
func NewRegistry(idleTTL, sweepTick time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	if sweepTick <= 0 {
		sweepTick = time.Minute
	}
	return &Registry{
		log:       log,
		idleTTL:   idleTTL,
		sweepTick: sweepTick,
		pages:     make(map[string]*Page),
		byUser:    make(map[string]map[string]*Page),
		stop:      make(chan struct{}),
	}
}

// Register adds a page to both indexes. Duplicate ids are rejected.
func (r *Registry) Register(p *Page) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pages[p.ID]; ok {
		return errkind.Newf(errkind.Validation, "duplicate_page", "page %q already registered", p.ID)
	}
	r.pages[p.ID] = p
	byID := r.byUser[p.User]
	if byID == nil {
		byID = make(map[string]*Page)
		r.byUser[p.User] = byID
	}
	byID[p.ID] = p
	return nil
}

// Remove unindexes a page and returns it, nil if absent. The caller
// closes it; eager close on disconnect is Drop.
func (r *Registry) Remove(id string) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) *Page {
	p, ok := r.pages[id]
	if !ok {
		return nil
	}
	delete(r.pages, id)
	if byID := r.byUser[p.User]; byID != nil {
		delete(byID, id)
		if len(byID) == 0 {
			delete(r.byUser, p.User)
		}
	}
	return p
}

// Drop removes and closes a page in one step.
func (r *Registry) Drop(id string) {
	if p := r.Remove(id); p != nil {
		p.Close()
	}
}

// Get returns the page with the given id.
func (r *Registry) Get(id string) (*Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[id]
	return p, ok
}

// PagesOf snapshots a user's pages.
func (r *Registry) PagesOf(user string) []*Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.byUser[user]
	out := make([]*Page, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	return out
}

// Each calls fn for every registered page, outside the lock.
func (r *Registry) Each(fn func(*Page)) {
	r.mu.Lock()
	snapshot := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		snapshot = append(snapshot, p)
	}
	r.mu.Unlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// Touch refreshes a page's activity; false when the page is gone.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	p, ok := r.pages[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.Touch()
	return true
}

// Len reports the number of registered pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages)
}

// Start launches the idle sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.sweepTick)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				if n := r.Sweep(now); n > 0 {
					r.log.Info("swept idle pages", zap.Int("count", n))
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Sweep removes pages idle past the TTL and closes them outside the
// lock. Returns the number closed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)

	r.mu.Lock()
	var expired []*Page
	for id, p := range r.pages {
		if p.LastActivity().Before(cutoff) {
			expired = append(expired, r.removeLocked(id))
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.Close()
	}
	return len(expired)
}

// Stop halts the sweeper and closes every remaining page.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()

	r.mu.Lock()
	remaining := make([]*Page, 0, len(r.pages))
	for _, p := range r.pages {
		remaining = append(remaining, p)
	}
	r.pages = make(map[string]*Page)
	r.byUser = make(map[string]map[string]*Page)
	r.mu.Unlock()

	for _, p := range remaining {
		p.Close()
	}
}
