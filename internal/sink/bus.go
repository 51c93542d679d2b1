package sink

import (
	"pewsched/internal/eventbus"
	"pewsched/internal/task/outcome"
)

// Bus republishes every event on the event bus as "task.<status>".
type Bus struct {
	bus eventbus.Bus
}

func NewBus(b eventbus.Bus) *Bus { return &Bus{bus: b} }

func (s *Bus) Emit(ev outcome.Event) {
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeTaskPrefix + string(ev.Status),
		Time: ev.EndedAt,
		Data: ev,
	})
}
