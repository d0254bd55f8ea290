// Package dispatch delivers offers to instructor apps.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/drivehub/internal/models"
)

// OfferNotice is what an instructor app receives for an incoming request.
type OfferNotice struct {
	RequestID  string            `json:"request_id"`
	OfferID    string            `json:"offer_id"`
	ProviderID string            `json:"provider_id"`
	RiderID    string            `json:"rider_id"`
	Pickup     models.Coordinate `json:"pickup"`
	DistanceM  float64           `json:"distance_m"`
	Deadline   time.Time         `json:"deadline"`
}

type Notifier interface {
	NotifyOffer(ctx context.Context, n OfferNotice) error
}

// LogNotifier only logs offers. Useful for local runs without apps attached.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) NotifyOffer(_ context.Context, n OfferNotice) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("[dispatch] offer", "request_id", n.RequestID, "offer_id", n.OfferID, "provider_id", n.ProviderID, "deadline", n.Deadline)
	return nil
}

// Fanout tries each notifier in order and stops at the first success.
type Fanout []Notifier

func (f Fanout) NotifyOffer(ctx context.Context, n OfferNotice) error {
	var errs []error
	for _, nt := range f {
		err := nt.NotifyOffer(ctx, n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return fmt.Errorf("no notifier configured for provider %s", n.ProviderID)
	}
	return errors.Join(errs...)
}
