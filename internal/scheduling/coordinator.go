package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hillpark/pharmacy-booking/internal/redis"
)

const (
	EventSlotPublished        = "SLOT_PUBLISHED"
	EventSlotWithdrawn        = "SLOT_WITHDRAWN"
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentRejected  = "APPOINTMENT_REJECTED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentMoved     = "APPOINTMENT_RESCHEDULED"
)

var (
	ErrSlotUnavailable = errors.New("slot is not available for booking")
	ErrMissingReferral = errors.New("a referral document reference is required to book")
	// ErrInconsistentState signals a failed rollback: slot and appointment
	// rows may disagree and need manual reconciliation.
	ErrInconsistentState = errors.New("slot and appointment state may be inconsistent")
)

// withdrawnReason is stored on appointments cancelled because their slot was
// withdrawn by the owning pharmacist.
const withdrawnReason = "slot withdrawn by pharmacist"

// Coordinator orchestrates the slot registry and the appointment ledger. It
// is the only component allowed to run multi-row sequences (book, reject,
// cancel, reschedule, withdraw) and is responsible for rolling back partial
// failures. Booking and rescheduling serialize per slot through a
// distributed lock; every status write underneath is still a conditional
// update, so a lost race fails cleanly rather than double-applying.
type Coordinator struct {
	registry *SlotRegistry
	ledger   *AppointmentLedger
	repo     Repository
	locker   redisclient.Locker
	log      *zap.Logger
}

func NewCoordinator(registry *SlotRegistry, ledger *AppointmentLedger, repo Repository, locker redisclient.Locker, log *zap.Logger) *Coordinator {
	return &Coordinator{
		registry: registry,
		ledger:   ledger,
		repo:     repo,
		locker:   locker,
		log:      log,
	}
}

// PublishSlot opens a new Available slot for the pharmacist.
func (c *Coordinator) PublishSlot(ctx context.Context, pharmacistID uuid.UUID, date time.Time, label TimeLabel) (*Slot, error) {
	slot, err := c.registry.Publish(ctx, pharmacistID, date, label)
	if err != nil {
		return nil, err
	}
	c.logEvent(ctx, EventSlotPublished, nil, &slot.ID, map[string]any{
		"pharmacist_id": pharmacistID.String(),
		"date":          slot.Date.Format("2006-01-02"),
		"time_label":    string(slot.TimeLabel),
	})
	return slot, nil
}

func (c *Coordinator) ListAvailableSlots(ctx context.Context, filter SlotFilter) ([]Slot, error) {
	return c.registry.ListAvailable(ctx, filter)
}

func (c *Coordinator) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return c.registry.Get(ctx, id)
}

func (c *Coordinator) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return c.ledger.Get(ctx, id)
}

func (c *Coordinator) ListCustomerAppointments(ctx context.Context, customerID uuid.UUID) ([]Appointment, error) {
	return c.ledger.ListForCustomer(ctx, customerID)
}

func (c *Coordinator) ListPharmacistAppointments(ctx context.Context, pharmacistID uuid.UUID, status *AppointmentStatus) ([]Appointment, error) {
	return c.ledger.ListForPharmacist(ctx, pharmacistID, status)
}

// Book claims an Available slot for a customer. Policy requires every
// booking to carry a referral document reference. Two concurrent bookings of
// the same slot cannot both succeed: the loser fails with ErrSlotUnavailable,
// whether it lost the lock or the conditional slot update.
func (c *Coordinator) Book(ctx context.Context, customerID, slotID uuid.UUID, referralRef string) (*Appointment, error) {
	if strings.TrimSpace(referralRef) == "" {
		return nil, ErrMissingReferral
	}

	slot, err := c.registry.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.Status != SlotAvailable {
		return nil, ErrSlotUnavailable
	}

	var created *Appointment

	err = c.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		booked, err := c.registry.MarkBooked(lockCtx, slotID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return ErrSlotUnavailable
			}
			return err
		}

		appt, err := c.ledger.Create(lockCtx, customerID, booked, referralRef)
		if err != nil {
			// A Booked slot must never exist without an owning appointment.
			if _, rbErr := c.registry.MarkAvailable(lockCtx, slotID); rbErr != nil {
				c.log.Error("booking rollback failed",
					zap.String("slot_id", slotID.String()),
					zap.Error(rbErr),
				)
				return fmt.Errorf("%w: slot %s stuck booked: %v", ErrInconsistentState, slotID, err)
			}
			return err
		}

		created = appt
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	c.logEvent(ctx, EventAppointmentBooked, &created.ID, &slotID, map[string]any{
		"customer_id":  customerID.String(),
		"referral_ref": referralRef,
	})

	return created, nil
}

// Confirm moves a pending appointment to Confirmed. The slot stays Booked.
func (c *Coordinator) Confirm(ctx context.Context, pharmacistID, apptID uuid.UUID) (*Appointment, error) {
	appt, err := c.ledger.Get(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if appt.PharmacistID != pharmacistID {
		return nil, ErrForbidden
	}

	updated, err := c.ledger.SetStatus(ctx, apptID, StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}

	c.logEvent(ctx, EventAppointmentConfirmed, &apptID, &appt.SlotID, nil)
	return updated, nil
}

// Reject declines a pending appointment, optionally recording a reason, and
// releases the bound slot back to Available. A repeated reject fails with
// ErrInvalidTransition before the slot is touched, so the slot cannot be
// released twice.
func (c *Coordinator) Reject(ctx context.Context, pharmacistID, apptID uuid.UUID, reason *string) (*Appointment, error) {
	appt, err := c.ledger.Get(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if appt.PharmacistID != pharmacistID {
		return nil, ErrForbidden
	}
	if appt.Status != StatusPendingConfirmation {
		return nil, ErrInvalidTransition
	}

	updated, err := c.ledger.SetStatus(ctx, apptID, StatusRejected, reason)
	if err != nil {
		return nil, err
	}

	if err := c.releaseSlot(ctx, appt.SlotID, apptID); err != nil {
		return nil, err
	}

	c.logEvent(ctx, EventAppointmentRejected, &apptID, &appt.SlotID, eventReason(reason))
	return updated, nil
}

// Cancel lets the owning customer withdraw a pending or confirmed
// appointment and releases the bound slot.
func (c *Coordinator) Cancel(ctx context.Context, customerID, apptID uuid.UUID) (*Appointment, error) {
	appt, err := c.ledger.Get(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if appt.CustomerID != customerID {
		return nil, ErrForbidden
	}

	updated, err := c.ledger.SetStatus(ctx, apptID, StatusCancelled, nil)
	if err != nil {
		return nil, err
	}

	if err := c.releaseSlot(ctx, appt.SlotID, apptID); err != nil {
		return nil, err
	}

	c.logEvent(ctx, EventAppointmentCancelled, &apptID, &appt.SlotID, nil)
	return updated, nil
}

// releaseSlot returns a slot to Available after its appointment reached a
// terminal status. The appointment write has already committed, so a failure
// here leaves the pair inconsistent and is reported as such.
func (c *Coordinator) releaseSlot(ctx context.Context, slotID, apptID uuid.UUID) error {
	if _, err := c.registry.MarkAvailable(ctx, slotID); err != nil {
		c.log.Error("slot release failed after appointment settled",
			zap.String("slot_id", slotID.String()),
			zap.String("appointment_id", apptID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: slot %s not released: %v", ErrInconsistentState, slotID, err)
	}
	return nil
}

// Reschedule moves a pending or confirmed appointment to a new Available
// slot. The original appointment becomes a terminal Rescheduled record and a
// fresh PendingConfirmation appointment is created against the new slot. The
// new slot is claimed before the old one is released so the customer never
// loses both; failures roll back in reverse order.
func (c *Coordinator) Reschedule(ctx context.Context, actorID, apptID, newSlotID uuid.UUID) (*Appointment, error) {
	appt, err := c.ledger.Get(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if actorID != appt.CustomerID && actorID != appt.PharmacistID {
		return nil, ErrForbidden
	}
	if !CanTransition(appt.Status, StatusRescheduled) {
		return nil, ErrInvalidTransition
	}
	if newSlotID == appt.SlotID {
		return nil, ErrInvalidTransition
	}

	newSlot, err := c.registry.Get(ctx, newSlotID)
	if err != nil {
		return nil, err
	}
	if newSlot.Status != SlotAvailable {
		return nil, ErrSlotUnavailable
	}

	var replacement *Appointment

	err = c.locker.WithSlotLock(ctx, newSlotID, func(lockCtx context.Context) error {
		claimed, err := c.registry.MarkBooked(lockCtx, newSlotID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return ErrSlotUnavailable
			}
			return err
		}

		next, err := c.ledger.Create(lockCtx, appt.CustomerID, claimed, appt.ReferralRef)
		if err != nil {
			return c.rollbackReschedule(lockCtx, nil, newSlotID, err)
		}

		if _, err := c.ledger.SetStatus(lockCtx, apptID, StatusRescheduled, nil); err != nil {
			return c.rollbackReschedule(lockCtx, next, newSlotID, err)
		}

		if _, err := c.registry.MarkAvailable(lockCtx, appt.SlotID); err != nil {
			// Undo the terminal mark so the original binding survives.
			if _, rbErr := c.repo.UpdateAppointmentStatus(lockCtx, apptID, StatusRescheduled, appt.Status, nil); rbErr != nil {
				return fmt.Errorf("%w: reschedule of %s half applied: %v", ErrInconsistentState, apptID, err)
			}
			return c.rollbackReschedule(lockCtx, next, newSlotID, err)
		}

		replacement = next
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	c.logEvent(ctx, EventAppointmentMoved, &apptID, &appt.SlotID, map[string]any{
		"new_appointment_id": replacement.ID.String(),
		"new_slot_id":        newSlotID.String(),
	})

	return replacement, nil
}

// rollbackReschedule unwinds the claim on the new slot and, when it was
// already created, the replacement appointment. cause is the failure that
// triggered the rollback and is returned when unwinding succeeds.
func (c *Coordinator) rollbackReschedule(ctx context.Context, replacement *Appointment, newSlotID uuid.UUID, cause error) error {
	if replacement != nil {
		reason := "reschedule rolled back"
		if _, err := c.repo.UpdateAppointmentStatus(ctx, replacement.ID, StatusPendingConfirmation, StatusCancelled, &reason); err != nil {
			c.log.Error("reschedule rollback failed",
				zap.String("appointment_id", replacement.ID.String()),
				zap.Error(err),
			)
			return fmt.Errorf("%w: replacement appointment %s left pending: %v", ErrInconsistentState, replacement.ID, cause)
		}
	}
	if _, err := c.registry.MarkAvailable(ctx, newSlotID); err != nil {
		c.log.Error("reschedule rollback failed",
			zap.String("slot_id", newSlotID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("%w: slot %s stuck booked: %v", ErrInconsistentState, newSlotID, cause)
	}
	return cause
}

// WithdrawSlot takes a slot out of circulation on behalf of its owning
// pharmacist. Withdrawing a Booked slot cascade-cancels the bound
// appointment first, so no live appointment is ever left pointing at an
// Unavailable slot.
func (c *Coordinator) WithdrawSlot(ctx context.Context, pharmacistID, slotID uuid.UUID) (*Slot, error) {
	slot, err := c.registry.Get(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if slot.PharmacistID != pharmacistID {
		return nil, ErrForbidden
	}

	switch slot.Status {
	case SlotAvailable:
		withdrawn, err := c.registry.Withdraw(ctx, slotID, pharmacistID)
		if err != nil {
			return nil, err
		}
		c.logEvent(ctx, EventSlotWithdrawn, nil, &slotID, nil)
		return withdrawn, nil

	case SlotBooked:
		appt, err := c.repo.GetOpenAppointmentForSlot(ctx, slotID)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Booked slot with no live appointment should not happen.
				return nil, fmt.Errorf("%w: booked slot %s has no open appointment", ErrInconsistentState, slotID)
			}
			return nil, err
		}

		reason := withdrawnReason
		if _, err := c.ledger.SetStatus(ctx, appt.ID, StatusCancelled, &reason); err != nil {
			return nil, err
		}

		withdrawn, err := c.repo.UpdateSlotStatus(ctx, slotID, SlotBooked, SlotUnavailable)
		if err != nil {
			if _, rbErr := c.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusCancelled, appt.Status, nil); rbErr != nil {
				return nil, fmt.Errorf("%w: withdraw of slot %s half applied: %v", ErrInconsistentState, slotID, err)
			}
			return nil, fmt.Errorf("withdraw booked slot: %w", err)
		}

		c.logEvent(ctx, EventSlotWithdrawn, &appt.ID, &slotID, map[string]any{
			"cascade_cancelled": appt.ID.String(),
		})
		return withdrawn, nil

	default:
		return nil, ErrInvalidTransition
	}
}

// logEvent appends an audit record. Audit writes are best effort and never
// fail the triggering operation.
func (c *Coordinator) logEvent(ctx context.Context, eventType string, apptID, slotID *uuid.UUID, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			c.log.Warn("marshal event payload", zap.String("event", eventType), zap.Error(err))
			data = nil
		}
	}

	ev := TransitionEvent{
		EventType:     eventType,
		AppointmentID: apptID,
		SlotID:        slotID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := c.repo.InsertEvent(ctx, ev); err != nil {
		c.log.Warn("insert transition event", zap.String("event", eventType), zap.Error(err))
	}
}

func eventReason(reason *string) map[string]any {
	if reason == nil || *reason == "" {
		return nil
	}
	return map[string]any{"reason": *reason}
}
