package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrOpenAppointmentExists mirrors the partial unique index on
	// appointments: a slot can carry at most one non-terminal appointment.
	ErrOpenAppointmentExists = errors.New("slot already has an open appointment")
)

// SlotFilter narrows ListSlotsByStatus. Zero fields are ignored.
type SlotFilter struct {
	PharmacistID *uuid.UUID
	From         *time.Time
	To           *time.Time
}

// Repository contains all store interactions needed by the registry, the
// ledger and the coordinator. Every method is a single-row operation; the
// Update* methods are conditional writes that fail when the current status no
// longer matches, so callers get compare-and-set semantics without holding a
// store lock.
type Repository interface {
	CreateSlot(ctx context.Context, s Slot) (*Slot, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// FindActiveSlot looks up a non-withdrawn slot by its natural key.
	FindActiveSlot(ctx context.Context, pharmacistID uuid.UUID, date time.Time, label TimeLabel) (*Slot, error)
	ListSlotsByStatus(ctx context.Context, status SlotStatus, filter SlotFilter) ([]Slot, error)
	// UpdateSlotStatus moves a slot from one status to another. It returns
	// ErrSlotNotFound when no row matches (id, from), which callers
	// interpret as a lost race or an invalid transition.
	UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error)

	// CreateAppointment fails with ErrOpenAppointmentExists when the slot
	// already has a non-terminal appointment.
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetOpenAppointmentForSlot returns the single non-terminal appointment
	// bound to the slot, or ErrAppointmentNotFound.
	GetOpenAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	ListAppointmentsByCustomer(ctx context.Context, customerID uuid.UUID) ([]Appointment, error)
	ListAppointmentsByPharmacist(ctx context.Context, pharmacistID uuid.UUID, status *AppointmentStatus) ([]Appointment, error)
	// UpdateAppointmentStatus conditionally moves an appointment between
	// statuses, storing reason when the target is rejected or cancelled.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error)

	InsertEvent(ctx context.Context, ev TransitionEvent) error
}
