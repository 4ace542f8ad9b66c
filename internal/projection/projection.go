package projection

import (
	"github.com/Iron-Ham/switchyard/internal/event"
)

// Set bundles the three projections fed by one bus.
type Set struct {
	Units     *Units
	Processes *Processes
	Contexts  *Contexts
}

// NewSet creates empty projections.
func NewSet() *Set {
	return &Set{Units: NewUnits(), Processes: NewProcesses(), Contexts: NewContexts()}
}

// Register adds every projection to the bus as a processor. On failure
// none of them stay registered.
func (s *Set) Register(b *event.Bus) error {
	ps := s.processors()
	for i, p := range ps {
		if err := b.RegisterProcessor(p); err != nil {
			for _, done := range ps[:i] {
				b.UnregisterProcessor(done.Name())
			}
			return err
		}
	}
	return nil
}

// Unregister removes the projections from the bus.
func (s *Set) Unregister(b *event.Bus) {
	for _, p := range s.processors() {
		b.UnregisterProcessor(p.Name())
	}
}

func (s *Set) processors() []event.Processor {
	return []event.Processor{s.Units, s.Processes, s.Contexts}
}
