package workbench

import (
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultUpdateBufferCapacity bounds the per-subscription update ring when no
// explicit capacity is configured.
const DefaultUpdateBufferCapacity = 32

// ResourceUpdate is one push update delivered for a subscribed resource.
type ResourceUpdate struct {
	Time     time.Time
	Contents []ResourceContents
	// Fresh marks an update the caller has not acknowledged via MarkSeen yet.
	Fresh bool
	// Diff is a patch between the previous and current text snapshot of the
	// resource, empty when either side has no text content.
	Diff string
}

// Subscription is a point-in-time snapshot of one active subscription.
type Subscription struct {
	URI          string
	CreatedAt    time.Time
	LastUpdateAt time.Time
	UpdateCount  int
	LastErr      error
	Updates      []ResourceUpdate
}

// UpdateListener receives updates for resources whose URI matches the pattern
// the listener registered with.
type UpdateListener func(uri string, update ResourceUpdate)

type subscriptionEntry struct {
	uri          string
	createdAt    time.Time
	lastUpdateAt time.Time
	updateCount  int
	lastErr      error

	updates []ResourceUpdate
	next    int
	full    bool
}

type registryListener struct {
	pattern glob.Glob
	fn      UpdateListener
}

// SubscriptionRegistry tracks active push subscriptions keyed by resource URI
// and buffers a bounded window of recent updates per subscription. The protocol
// client is its sole writer; callers observe it through snapshots and through
// registered listeners. All entries are invalidated on disconnect, since a new
// connection knows nothing of the old session's subscriptions.
type SubscriptionRegistry struct {
	mu        sync.Mutex
	capacity  int
	entries   map[string]*subscriptionEntry
	listeners map[int]registryListener
	nextID    int

	differ *diffmatchpatch.DiffMatchPatch
}

// NewSubscriptionRegistry creates a registry whose per-subscription update
// rings hold at most capacity entries. A non-positive capacity falls back to
// DefaultUpdateBufferCapacity.
func NewSubscriptionRegistry(capacity int) *SubscriptionRegistry {
	if capacity <= 0 {
		capacity = DefaultUpdateBufferCapacity
	}
	return &SubscriptionRegistry{
		capacity:  capacity,
		entries:   make(map[string]*subscriptionEntry),
		listeners: make(map[int]registryListener),
		differ:    diffmatchpatch.New(),
	}
}

// Track creates an entry for the URI. Tracking an already-tracked URI is a
// no-op; the return value reports whether a new entry was created.
func (r *SubscriptionRegistry) Track(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[uri]; ok {
		return false
	}
	r.entries[uri] = &subscriptionEntry{
		uri:       uri,
		createdAt: time.Now(),
		updates:   make([]ResourceUpdate, r.capacity),
	}
	return true
}

// Forget removes the entry for the URI. Forgetting an unknown URI is a no-op;
// the return value reports whether an entry existed.
func (r *SubscriptionRegistry) Forget(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[uri]; !ok {
		return false
	}
	delete(r.entries, uri)
	return true
}

// Clear drops every entry. Called on disconnect so stale subscriptions never
// survive into a new connection.
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*subscriptionEntry)
}

// URIs returns the URIs of all active subscriptions.
func (r *SubscriptionRegistry) URIs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	uris := make([]string, 0, len(r.entries))
	for uri := range r.entries {
		uris = append(uris, uri)
	}
	return uris
}

// Get returns a snapshot of the subscription for the URI.
func (r *SubscriptionRegistry) Get(uri string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[uri]
	if !ok {
		return Subscription{}, false
	}
	return entry.snapshot(), true
}

// Deliver appends a push update to the URI's ring buffer, marks it fresh, and
// notifies matching listeners. Updates for unknown URIs, such as stale
// notifications arriving after an unsubscribe, are dropped silently.
func (r *SubscriptionRegistry) Deliver(uri string, contents []ResourceContents) {
	r.mu.Lock()

	entry, ok := r.entries[uri]
	if !ok {
		r.mu.Unlock()
		return
	}

	update := ResourceUpdate{
		Time:     time.Now(),
		Contents: contents,
		Fresh:    true,
		Diff:     r.diffAgainstLatest(entry, contents),
	}

	entry.updates[entry.next] = update
	entry.next++
	if entry.next == len(entry.updates) {
		entry.next = 0
		entry.full = true
	}
	entry.updateCount++
	entry.lastUpdateAt = update.Time
	entry.lastErr = nil

	listeners := make([]UpdateListener, 0, len(r.listeners))
	for _, l := range r.listeners {
		if l.pattern.Match(uri) {
			listeners = append(listeners, l.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(uri, update)
	}
}

// RecordError attaches a delivery or refresh error to the URI's entry without
// removing it.
func (r *SubscriptionRegistry) RecordError(uri string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[uri]; ok {
		entry.lastErr = err
	}
}

// MarkSeen clears the freshness flag on every buffered update for the URI.
func (r *SubscriptionRegistry) MarkSeen(uri string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[uri]
	if !ok {
		return
	}
	for i := range entry.updates {
		entry.updates[i].Fresh = false
	}
}

// Listen registers a listener for updates on resources whose URI matches the
// glob pattern (for example "file:///logs/*"). It returns a registration ID
// for Unlisten. Listener lifecycle is independent of the connection; listeners
// survive disconnects and fire again after a reconnect and resubscribe.
func (r *SubscriptionRegistry) Listen(pattern string, fn UpdateListener) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.listeners[r.nextID] = registryListener{pattern: g, fn: fn}
	return r.nextID, nil
}

// Unlisten removes a previously registered listener. Unknown IDs are ignored.
func (r *SubscriptionRegistry) Unlisten(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

// diffAgainstLatest produces a patch between the newest buffered text snapshot
// and the incoming one. Caller must hold the lock.
func (r *SubscriptionRegistry) diffAgainstLatest(entry *subscriptionEntry, contents []ResourceContents) string {
	prev := latestText(entry)
	next := firstText(contents)
	if prev == "" || next == "" {
		return ""
	}

	diffs := r.differ.DiffMain(prev, next, false)
	patches := r.differ.PatchMake(prev, diffs)
	return r.differ.PatchToText(patches)
}

func latestText(entry *subscriptionEntry) string {
	if entry.updateCount == 0 {
		return ""
	}
	idx := entry.next - 1
	if idx < 0 {
		idx = len(entry.updates) - 1
	}
	return firstText(entry.updates[idx].Contents)
}

func firstText(contents []ResourceContents) string {
	for _, c := range contents {
		if c.Text != "" {
			return c.Text
		}
	}
	return ""
}

func (e *subscriptionEntry) snapshot() Subscription {
	var updates []ResourceUpdate
	if e.full {
		updates = make([]ResourceUpdate, 0, len(e.updates))
		updates = append(updates, e.updates[e.next:]...)
		updates = append(updates, e.updates[:e.next]...)
	} else {
		updates = make([]ResourceUpdate, e.next)
		copy(updates, e.updates[:e.next])
	}

	return Subscription{
		URI:          e.uri,
		CreatedAt:    e.createdAt,
		LastUpdateAt: e.lastUpdateAt,
		UpdateCount:  e.updateCount,
		LastErr:      e.lastErr,
		Updates:      updates,
	}
}
