package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// allowedTransitions is the appointment state machine. Absent pairs fail with
// ErrInvalidTransition. Rejected, Cancelled and Rescheduled are terminal.
var allowedTransitions = map[AppointmentStatus]map[AppointmentStatus]bool{
	StatusPendingConfirmation: {
		StatusConfirmed:   true,
		StatusRejected:    true,
		StatusCancelled:   true,
		StatusRescheduled: true,
	},
	StatusConfirmed: {
		StatusCancelled:   true,
		StatusRescheduled: true,
	},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to AppointmentStatus) bool {
	return allowedTransitions[from][to]
}

// AppointmentLedger owns appointment records and is the only component that
// writes appointment status. Slot status is never touched here.
type AppointmentLedger struct {
	repo Repository
	log  *zap.Logger
}

func NewAppointmentLedger(repo Repository, log *zap.Logger) *AppointmentLedger {
	return &AppointmentLedger{repo: repo, log: log}
}

// Create records a PendingConfirmation appointment bound to the given slot.
// The caller (the Coordinator) must have just claimed the slot; pharmacist,
// date and time label are copied from it so the pair stays matched.
func (l *AppointmentLedger) Create(ctx context.Context, customerID uuid.UUID, slot *Slot, referralRef string) (*Appointment, error) {
	appt := Appointment{
		ID:           NewID(),
		CustomerID:   customerID,
		PharmacistID: slot.PharmacistID,
		SlotID:       slot.ID,
		Date:         slot.Date,
		TimeLabel:    slot.TimeLabel,
		Status:       StatusPendingConfirmation,
		ReferralRef:  referralRef,
	}

	created, err := l.repo.CreateAppointment(ctx, appt)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	return created, nil
}

func (l *AppointmentLedger) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return l.repo.GetAppointmentByID(ctx, id)
}

func (l *AppointmentLedger) ListForCustomer(ctx context.Context, customerID uuid.UUID) ([]Appointment, error) {
	appts, err := l.repo.ListAppointmentsByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list appointments for customer: %w", err)
	}
	return appts, nil
}

func (l *AppointmentLedger) ListForPharmacist(ctx context.Context, pharmacistID uuid.UUID, status *AppointmentStatus) ([]Appointment, error) {
	appts, err := l.repo.ListAppointmentsByPharmacist(ctx, pharmacistID, status)
	if err != nil {
		return nil, fmt.Errorf("list appointments for pharmacist: %w", err)
	}
	return appts, nil
}

// SetStatus is the sole appointment mutator. The transition is validated
// against the state machine, then applied with a conditional write so a lost
// race surfaces as ErrInvalidTransition rather than a double application.
func (l *AppointmentLedger) SetStatus(ctx context.Context, id uuid.UUID, to AppointmentStatus, reason *string) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(appt.Status, to) {
		return nil, ErrInvalidTransition
	}

	if to != StatusRejected && to != StatusCancelled {
		reason = nil
	}

	updated, err := l.repo.UpdateAppointmentStatus(ctx, id, appt.Status, to, reason)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// The row moved between our read and the conditional write.
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	l.log.Info("appointment status changed",
		zap.String("appointment_id", id.String()),
		zap.String("from", string(appt.Status)),
		zap.String("to", string(to)),
	)

	return updated, nil
}
