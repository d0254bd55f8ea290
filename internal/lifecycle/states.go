package lifecycle

import (
	"time"

	"github.com/example/drivehub/internal/models"
)

// allowedTransitions is the request state flow as code. Cancelled is
// reachable from every non-terminal state.
var allowedTransitions = map[models.State][]models.State{
	models.StateCreated:    {models.StateSearching, models.StateCancelled},
	models.StateSearching:  {models.StateOffered, models.StateCancelled},
	models.StateOffered:    {models.StateMatched, models.StateSearching, models.StateCancelled},
	models.StateMatched:    {models.StateInProgress, models.StateCancelled},
	models.StateInProgress: {models.StateCompleted, models.StateCancelled},
}

func CanTransition(from, to models.State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is how an offer was resolved.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAccepted
	OutcomeDeclined
	OutcomeExpired
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeclined:
		return "declined"
	case OutcomeExpired:
		return "expired"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "pending"
}

// Ticket is the matcher's handle on one outstanding offer. Done is closed
// once the offer is resolved; Outcome is valid after that.
type Ticket struct {
	Offer   models.Offer
	done    chan struct{}
	outcome Outcome
}

func newTicket(o models.Offer) *Ticket {
	return &Ticket{Offer: o, done: make(chan struct{})}
}

func (t *Ticket) Done() <-chan struct{} { return t.done }

func (t *Ticket) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return OutcomePending
	}
}

// resolve must be called with the owning record locked.
func (t *Ticket) resolve(o Outcome) {
	if t.outcome != OutcomePending {
		return
	}
	t.outcome = o
	close(t.done)
}

// Transition is handed to hooks after every state change.
type Transition struct {
	From     models.State
	To       models.State
	Snapshot models.Snapshot
	At       time.Time
}
