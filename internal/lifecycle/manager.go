// Package lifecycle owns the state machine of every lesson request from
// creation to a terminal state. All mutations of one request are serialized
// by that request's lock.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/drivehub/internal/models"
	"github.com/example/drivehub/internal/observability"
)

// ProviderLedger flips provider busy state as requests are matched and end.
type ProviderLedger interface {
	MarkBusy(providerID string) error
	MarkFree(providerID string) error
}

type Config struct {
	// Retention is how long terminal requests stay readable before eviction.
	Retention time.Duration
	Logger    *slog.Logger
	// OnTransition hooks run under the request lock and must not block.
	OnTransition []func(Transition)
	Now          func() time.Time
}

type Manager struct {
	mu      sync.RWMutex
	records map[string]*record
	ledger  ProviderLedger
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
}

type record struct {
	mu      sync.Mutex
	snap    models.Snapshot
	ticket  *Ticket
	// expired maps a provider to the id of its offer that timed out, so a
	// late answer is told the offer expired rather than that it never held one.
	expired map[string]string
	subs    map[int]chan models.Snapshot
	nextSub int
}

func NewManager(ledger ProviderLedger, cfg Config) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		records: make(map[string]*record),
		ledger:  ledger,
		cfg:     cfg,
		log:     log.With("component", "lifecycle"),
		now:     cfg.Now,
	}
}

func (m *Manager) lookup(id string) (*record, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

// Create registers a new request in StateCreated. dest may be nil when the
// destination is not known yet.
func (m *Manager) Create(riderID string, pickup models.Coordinate, dest *models.Coordinate, annotations ...models.Annotation) (models.Snapshot, error) {
	if riderID == "" {
		return models.Snapshot{}, fmt.Errorf("missing rider id: %w", models.ErrInvalidRequest)
	}
	if !pickup.Valid() {
		return models.Snapshot{}, fmt.Errorf("pickup %v: %w", pickup, models.ErrInvalidCoordinate)
	}
	if dest != nil && !dest.Valid() {
		return models.Snapshot{}, fmt.Errorf("destination %v: %w", *dest, models.ErrInvalidCoordinate)
	}
	snap := models.Snapshot{
		ID:        uuid.NewString(),
		Version:   1,
		RiderID:   riderID,
		Pickup:    pickup,
		State:     models.StateCreated,
		CreatedAt: m.now(),
	}
	if dest != nil {
		d := *dest
		snap.Destination = &d
		snap.Route = &models.Route{NavigationURL: models.NavigationURL(d)}
	}
	for _, a := range annotations {
		snap.Annotations = appendAnnotation(snap.Annotations, a)
	}
	r := &record{snap: snap, subs: make(map[int]chan models.Snapshot)}

	m.mu.Lock()
	m.records[snap.ID] = r
	m.mu.Unlock()

	observability.ActiveRequests.Inc()
	observability.TransitionsTotal.WithLabelValues(string(models.StateCreated)).Inc()
	m.log.Info("request created", "request_id", snap.ID, "rider_id", riderID)
	return cloneSnapshot(snap), nil
}

func (m *Manager) Get(id string) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneSnapshot(r.snap), nil
}

// BeginSearch moves a freshly created request into StateSearching.
func (m *Manager) BeginSearch(id string) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.transition(r, models.StateSearching); err != nil {
		return cloneSnapshot(r.snap), err
	}
	return cloneSnapshot(r.snap), nil
}

// Offer binds the request to one candidate until ttl elapses.
func (m *Manager) Offer(id, providerID string, ttl time.Duration) (*Ticket, error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State != models.StateSearching {
		return nil, fmt.Errorf("offer request %s in state %s: %w", id, r.snap.State, models.ErrInvalidTransition)
	}
	now := m.now()
	o := models.Offer{
		ID:         uuid.NewString(),
		RequestID:  id,
		ProviderID: providerID,
		CreatedAt:  now,
		Deadline:   now.Add(ttl),
	}
	r.ticket = newTicket(o)
	r.snap.Offer = &o
	if err := m.transition(r, models.StateOffered); err != nil {
		r.ticket, r.snap.Offer = nil, nil
		return nil, err
	}
	return r.ticket, nil
}

// checkOffer validates that providerID may still answer the outstanding offer.
func (m *Manager) checkOffer(r *record, providerID string) error {
	holds := r.snap.State == models.StateOffered && r.ticket != nil && r.ticket.Offer.ProviderID == providerID
	if offerID, ok := r.expired[providerID]; ok && !holds {
		return fmt.Errorf("offer %s: %w", offerID, models.ErrOfferExpired)
	}
	if r.snap.State != models.StateOffered || r.ticket == nil {
		return fmt.Errorf("request %s in state %s has no open offer: %w", r.snap.ID, r.snap.State, models.ErrInvalidTransition)
	}
	if r.ticket.Offer.ProviderID != providerID {
		return fmt.Errorf("provider %s does not hold the offer for %s: %w", providerID, r.snap.ID, models.ErrInvalidTransition)
	}
	if r.ticket.Offer.Expired(m.now()) {
		return fmt.Errorf("offer %s: %w", r.ticket.Offer.ID, models.ErrOfferExpired)
	}
	return nil
}

// Accept confirms the match: the provider becomes busy and the request
// moves to StateMatched in one step.
func (m *Manager) Accept(id, providerID string) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.checkOffer(r, providerID); err != nil {
		return cloneSnapshot(r.snap), err
	}
	if m.ledger != nil {
		if err := m.ledger.MarkBusy(providerID); err != nil {
			return cloneSnapshot(r.snap), fmt.Errorf("accept %s: %w", id, err)
		}
	}
	t := r.ticket
	r.snap.ProviderID = providerID
	r.snap.Offer = nil
	r.ticket = nil
	if err := m.transition(r, models.StateMatched); err != nil {
		return cloneSnapshot(r.snap), err
	}
	t.resolve(OutcomeAccepted)
	return cloneSnapshot(r.snap), nil
}

// Decline hands the request back to the search loop.
func (m *Manager) Decline(id, providerID string) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.checkOffer(r, providerID); err != nil {
		return cloneSnapshot(r.snap), err
	}
	m.requeue(r, OutcomeDeclined)
	return cloneSnapshot(r.snap), nil
}

// ExpireOffer requeues the request if offerID is still outstanding. It
// reports whether the offer was expired by this call.
func (m *Manager) ExpireOffer(id, offerID string) bool {
	r, err := m.lookup(id)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State != models.StateOffered || r.ticket == nil || r.ticket.Offer.ID != offerID {
		return false
	}
	m.requeue(r, OutcomeExpired)
	return true
}

func (m *Manager) requeue(r *record, o Outcome) {
	t := r.ticket
	if o == OutcomeExpired {
		if r.expired == nil {
			r.expired = make(map[string]string)
		}
		r.expired[t.Offer.ProviderID] = t.Offer.ID
	}
	r.ticket = nil
	r.snap.Offer = nil
	if err := m.transition(r, models.StateSearching); err != nil {
		m.log.Error("requeue failed", "request_id", r.snap.ID, "err", err)
		return
	}
	t.resolve(o)
}

// SetDestination records where the lesson ends. A route is computed by the
// caller once the request is matched.
func (m *Manager) SetDestination(id string, dest models.Coordinate) (models.Snapshot, error) {
	if !dest.Valid() {
		return models.Snapshot{}, fmt.Errorf("destination %v: %w", dest, models.ErrInvalidCoordinate)
	}
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State.Terminal() {
		return cloneSnapshot(r.snap), fmt.Errorf("set destination on %s request: %w", r.snap.State, models.ErrInvalidTransition)
	}
	r.snap.Destination = &dest
	// a new destination invalidates any route computed for the old one
	r.snap.Route = &models.Route{NavigationURL: models.NavigationURL(dest)}
	r.snap.Annotations = removeAnnotation(r.snap.Annotations, models.AnnotationRouteUnavailable)
	m.publish(r, r.snap.State)
	return cloneSnapshot(r.snap), nil
}

// Start moves a matched request to StateInProgress. route may be nil when
// the routing backend failed; the annotations then describe why.
func (m *Manager) Start(id string, route *models.Route, annotations ...models.Annotation) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State != models.StateMatched {
		return cloneSnapshot(r.snap), fmt.Errorf("start request %s in state %s: %w", id, r.snap.State, models.ErrInvalidTransition)
	}
	m.attachRoute(r, route, annotations)
	if err := m.transition(r, models.StateInProgress); err != nil {
		return cloneSnapshot(r.snap), err
	}
	return cloneSnapshot(r.snap), nil
}

// SetRoute replaces the route of an in-progress request.
func (m *Manager) SetRoute(id string, route *models.Route, annotations ...models.Annotation) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State != models.StateInProgress {
		return cloneSnapshot(r.snap), fmt.Errorf("set route on %s request: %w", r.snap.State, models.ErrInvalidTransition)
	}
	m.attachRoute(r, route, annotations)
	m.publish(r, r.snap.State)
	return cloneSnapshot(r.snap), nil
}

func (m *Manager) attachRoute(r *record, route *models.Route, annotations []models.Annotation) {
	if route != nil {
		rt := *route
		if rt.NavigationURL == "" && r.snap.Destination != nil {
			rt.NavigationURL = models.NavigationURL(*r.snap.Destination)
		}
		r.snap.Route = &rt
		r.snap.Annotations = removeAnnotation(r.snap.Annotations, models.AnnotationRouteUnavailable)
	}
	for _, a := range annotations {
		r.snap.Annotations = appendAnnotation(r.snap.Annotations, a)
	}
}

// Annotate attaches a non-fatal condition to a live request.
func (m *Manager) Annotate(id string, a models.Annotation) error {
	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.HasAnnotation(a) {
		return nil
	}
	r.snap.Annotations = appendAnnotation(r.snap.Annotations, a)
	m.publish(r, r.snap.State)
	return nil
}

// Complete ends an in-progress ride. Ending an already terminal request is
// a no-op that returns its final snapshot.
func (m *Manager) Complete(id string) (models.Snapshot, error) {
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State.Terminal() {
		return cloneSnapshot(r.snap), nil
	}
	if r.snap.State != models.StateInProgress {
		return cloneSnapshot(r.snap), fmt.Errorf("complete request %s in state %s: %w", id, r.snap.State, models.ErrInvalidTransition)
	}
	m.releaseProvider(r)
	end := m.now()
	r.snap.EndedAt = &end
	if err := m.transition(r, models.StateCompleted); err != nil {
		return cloneSnapshot(r.snap), err
	}
	return cloneSnapshot(r.snap), nil
}

// Cancel ends the request from any non-terminal state. An outstanding offer
// is resolved immediately and an assigned provider is freed. Cancelling a
// terminal request returns its final snapshot unchanged.
func (m *Manager) Cancel(id string, actor models.Actor, reason models.CancelReason) (models.Snapshot, error) {
	if !actor.Valid() {
		return models.Snapshot{}, fmt.Errorf("unknown actor %q: %w", actor, models.ErrInvalidRequest)
	}
	r, err := m.lookup(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.State.Terminal() {
		return cloneSnapshot(r.snap), nil
	}
	if reason == models.ReasonNone {
		switch actor {
		case models.ActorRider:
			reason = models.ReasonRiderCancelled
		case models.ActorProvider:
			reason = models.ReasonProviderCancelled
		}
	}
	t := r.ticket
	r.ticket = nil
	r.snap.Offer = nil
	m.releaseProvider(r)
	end := m.now()
	r.snap.EndedAt = &end
	r.snap.CancelReason = reason
	r.snap.CancelledBy = actor
	if err := m.transition(r, models.StateCancelled); err != nil {
		return cloneSnapshot(r.snap), err
	}
	if t != nil {
		t.resolve(OutcomeCancelled)
	}
	return cloneSnapshot(r.snap), nil
}

func (m *Manager) releaseProvider(r *record) {
	if r.snap.ProviderID == "" || m.ledger == nil {
		return
	}
	if err := m.ledger.MarkFree(r.snap.ProviderID); err != nil {
		m.log.Warn("release provider", "request_id", r.snap.ID, "provider_id", r.snap.ProviderID, "err", err)
	}
}

// ActiveIDs lists requests that have not reached a terminal state.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	rs := make(map[string]*record, len(m.records))
	for id, r := range m.records {
		rs[id] = r
	}
	m.mu.RUnlock()

	var out []string
	for id, r := range rs {
		r.mu.Lock()
		if !r.snap.State.Terminal() {
			out = append(out, id)
		}
		r.mu.Unlock()
	}
	return out
}

// Sweep evicts terminal requests that ended before now minus the retention
// window and returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		r.mu.Lock()
		expired := r.snap.State.Terminal() && r.snap.EndedAt != nil && r.snap.EndedAt.Before(cutoff)
		r.mu.Unlock()
		if expired {
			delete(m.records, id)
			n++
		}
	}
	return n
}

// Run sweeps expired requests until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	every := m.cfg.Retention / 2
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.log.Debug("evicted terminal requests", "count", n)
			}
		}
	}
}

// transition must be called with r locked.
func (m *Manager) transition(r *record, to models.State) error {
	from := r.snap.State
	if !CanTransition(from, to) {
		return fmt.Errorf("request %s %s -> %s: %w", r.snap.ID, from, to, models.ErrInvalidTransition)
	}
	r.snap.State = to
	observability.TransitionsTotal.WithLabelValues(string(to)).Inc()
	if to.Terminal() {
		observability.ActiveRequests.Dec()
	}
	m.log.Debug("request transition", "request_id", r.snap.ID, "from", from, "to", to, "provider_id", r.snap.ProviderID)
	m.publish(r, from)
	return nil
}

// publish bumps the version and fans the snapshot out to hooks and observers.
func (m *Manager) publish(r *record, from models.State) {
	r.snap.Version++
	snap := cloneSnapshot(r.snap)
	at := m.now()
	for _, h := range m.cfg.OnTransition {
		h(Transition{From: from, To: snap.State, Snapshot: snap, At: at})
	}
	for id, ch := range r.subs {
		deliver(ch, snap)
		if snap.State.Terminal() {
			close(ch)
			delete(r.subs, id)
		}
	}
}

// Subscribe streams snapshots of the request starting with the current one.
// The channel keeps only the newest undelivered snapshot and is closed after
// the terminal snapshot or when cancel is called.
func (m *Manager) Subscribe(id string) (<-chan models.Snapshot, func(), error) {
	r, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan models.Snapshot, 1)
	ch <- cloneSnapshot(r.snap)
	if r.snap.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	sid := r.nextSub
	r.nextSub++
	r.subs[sid] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if c, ok := r.subs[sid]; ok {
				close(c)
				delete(r.subs, sid)
			}
		})
	}
	return ch, cancel, nil
}

// deliver replaces a stale buffered snapshot instead of blocking.
func deliver(ch chan models.Snapshot, s models.Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func cloneSnapshot(s models.Snapshot) models.Snapshot {
	if s.Destination != nil {
		d := *s.Destination
		s.Destination = &d
	}
	if s.Offer != nil {
		o := *s.Offer
		s.Offer = &o
	}
	if s.Route != nil {
		rt := *s.Route
		rt.Path = append([]models.Coordinate(nil), rt.Path...)
		s.Route = &rt
	}
	if s.EndedAt != nil {
		e := *s.EndedAt
		s.EndedAt = &e
	}
	s.Annotations = append([]models.Annotation(nil), s.Annotations...)
	return s
}

func appendAnnotation(as []models.Annotation, a models.Annotation) []models.Annotation {
	for _, x := range as {
		if x == a {
			return as
		}
	}
	return append(as, a)
}

func removeAnnotation(as []models.Annotation, a models.Annotation) []models.Annotation {
	out := as[:0]
	for _, x := range as {
		if x != a {
			out = append(out, x)
		}
	}
	return out
}
