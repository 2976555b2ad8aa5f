package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded Repository used in tests and local
// tooling. Its conditional updates mirror the Postgres compare-and-set
// behaviour, so coordinator race handling can be exercised without a
// database.
type MemoryRepository struct {
	mu     sync.Mutex
	slots  map[uuid.UUID]Slot
	appts  map[uuid.UUID]Appointment
	events []TransitionEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slots: make(map[uuid.UUID]Slot),
		appts: make(map[uuid.UUID]Appointment),
	}
}

func (m *MemoryRepository) CreateSlot(_ context.Context, s Slot) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.slots {
		if existing.PharmacistID == s.PharmacistID &&
			existing.Date.Equal(s.Date) &&
			existing.TimeLabel == s.TimeLabel &&
			existing.Status != SlotUnavailable {
			return nil, ErrDuplicateSlot
		}
	}

	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.slots[s.ID] = s

	out := s
	return &out, nil
}

func (m *MemoryRepository) GetSlotByID(_ context.Context, id uuid.UUID) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	out := s
	return &out, nil
}

func (m *MemoryRepository) FindActiveSlot(_ context.Context, pharmacistID uuid.UUID, date time.Time, label TimeLabel) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.PharmacistID == pharmacistID && s.Date.Equal(date) && s.TimeLabel == label && s.Status != SlotUnavailable {
			out := s
			return &out, nil
		}
	}
	return nil, ErrSlotNotFound
}

func (m *MemoryRepository) ListSlotsByStatus(_ context.Context, status SlotStatus, filter SlotFilter) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Slot
	for _, s := range m.slots {
		if s.Status != status {
			continue
		}
		if filter.PharmacistID != nil && s.PharmacistID != *filter.PharmacistID {
			continue
		}
		if filter.From != nil && s.Date.Before(DateOnly(*filter.From)) {
			continue
		}
		if filter.To != nil && s.Date.After(DateOnly(*filter.To)) {
			continue
		}
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].TimeLabel < result[j].TimeLabel
	})

	return result, nil
}

func (m *MemoryRepository) UpdateSlotStatus(_ context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok || s.Status != from {
		return nil, ErrSlotNotFound
	}

	s.Status = to
	s.UpdatedAt = time.Now()
	m.slots[id] = s

	out := s
	return &out, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.appts {
		if existing.SlotID == a.SlotID && !existing.Status.IsTerminal() {
			return nil, ErrOpenAppointmentExists
		}
	}

	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appts[a.ID] = a

	out := a
	return &out, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := a
	return &out, nil
}

func (m *MemoryRepository) GetOpenAppointmentForSlot(_ context.Context, slotID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.appts {
		if a.SlotID == slotID && !a.Status.IsTerminal() {
			out := a
			return &out, nil
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) ListAppointmentsByCustomer(_ context.Context, customerID uuid.UUID) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, a := range m.appts {
		if a.CustomerID == customerID {
			result = append(result, a)
		}
	}
	sortAppointments(result)
	return result, nil
}

func (m *MemoryRepository) ListAppointmentsByPharmacist(_ context.Context, pharmacistID uuid.UUID, status *AppointmentStatus) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, a := range m.appts {
		if a.PharmacistID != pharmacistID {
			continue
		}
		if status != nil && a.Status != *status {
			continue
		}
		result = append(result, a)
	}
	sortAppointments(result)
	return result, nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}

	a.Status = to
	if reason != nil {
		a.RejectionReason = reason
	}
	a.UpdatedAt = time.Now()
	m.appts[id] = a

	out := a
	return &out, nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded audit trail.
func (m *MemoryRepository) Events() []TransitionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TransitionEvent, len(m.events))
	copy(out, m.events)
	return out
}

func sortAppointments(appts []Appointment) {
	sort.Slice(appts, func(i, j int) bool {
		if !appts[i].Date.Equal(appts[j].Date) {
			return appts[i].Date.Before(appts[j].Date)
		}
		if appts[i].TimeLabel != appts[j].TimeLabel {
			return appts[i].TimeLabel < appts[j].TimeLabel
		}
		return appts[i].CreatedAt.Before(appts[j].CreatedAt)
	})
}
