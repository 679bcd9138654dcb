package broadcast

import (
	"context"

	"dismissal/internal/metrics"
)

// Tail follows the office and school rooms of the given schools until ctx is
// done or the bus closes the subscription, counting every event and handing
// it to fn. Together those rooms carry every event of a school.
func Tail(ctx context.Context, bus Bus, schools []string, fn func(Event)) error {
	rooms := make([]Room, 0, 2*len(schools))
	for _, s := range schools {
		rooms = append(rooms, OfficeRoom(s), SchoolRoom(s))
	}
	events, err := bus.Subscribe(ctx, rooms...)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			metrics.EventsObserved.WithLabelValues(evt.Name).Inc()
			if fn != nil {
				fn(evt)
			}
		}
	}
}
