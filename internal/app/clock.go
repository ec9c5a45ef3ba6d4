package app

import (
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/revendapro/billing-engine/internal/domain"
)

// DefaultBusinessTimezone is where reminder send times and due dates are
// interpreted.
const DefaultBusinessTimezone = "America/Sao_Paulo"

// Clock yields the current time in the business timezone.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// NewClock loads the named zone. An unknown zone falls back to a fixed
// UTC-3 offset.
func NewClock(zone string, logger *slog.Logger) *Clock {
	if zone == "" {
		zone = DefaultBusinessTimezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		logger.Warn("unknown business timezone; using fixed UTC-3", "zone", zone, "error", err)
		loc = time.FixedZone("BRT", -3*60*60)
	}
	return &Clock{loc: loc, now: time.Now}
}

// FixedClock always reports t. Used by tests and replays.
func FixedClock(t time.Time) *Clock {
	return &Clock{loc: t.Location(), now: func() time.Time { return t }}
}

// Now is the current instant in the business timezone.
func (c *Clock) Now() time.Time {
	return c.now().In(c.loc)
}

// Today is the current business calendar date.
func (c *Clock) Today() time.Time {
	return domain.DateOf(c.Now())
}

// Location is the business timezone.
func (c *Clock) Location() *time.Location {
	return c.loc
}
