package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDuplicateSlot     = errors.New("slot already published for this pharmacist, date and time")
	ErrUnknownTimeLabel  = errors.New("time label is not in the configured set")
	ErrForbidden         = errors.New("operation not permitted for this user")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SlotRegistry owns the set of published slots and their status. It
// guarantees single-row atomicity only; multi-row sequences belong to the
// Coordinator.
type SlotRegistry struct {
	repo   Repository
	labels *TimeLabelSet
	log    *zap.Logger
}

func NewSlotRegistry(repo Repository, labels *TimeLabelSet, log *zap.Logger) *SlotRegistry {
	return &SlotRegistry{repo: repo, labels: labels, log: log}
}

// Publish creates an Available slot for the given natural key. A second
// publication for the same (pharmacist, date, label) fails with
// ErrDuplicateSlot while any non-withdrawn slot exists for that key.
func (r *SlotRegistry) Publish(ctx context.Context, pharmacistID uuid.UUID, date time.Time, label TimeLabel) (*Slot, error) {
	if !r.labels.Contains(label) {
		return nil, ErrUnknownTimeLabel
	}

	date = DateOnly(date)

	existing, err := r.repo.FindActiveSlot(ctx, pharmacistID, date, label)
	if err != nil && !errors.Is(err, ErrSlotNotFound) {
		return nil, fmt.Errorf("check existing slot: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateSlot
	}

	slot := Slot{
		ID:           NewID(),
		PharmacistID: pharmacistID,
		Date:         date,
		TimeLabel:    label,
		Status:       SlotAvailable,
	}

	created, err := r.repo.CreateSlot(ctx, slot)
	if err != nil {
		// The unique index may still reject a concurrent double publish.
		if errors.Is(err, ErrDuplicateSlot) {
			return nil, ErrDuplicateSlot
		}
		return nil, fmt.Errorf("create slot: %w", err)
	}

	r.log.Info("slot published",
		zap.String("slot_id", created.ID.String()),
		zap.String("pharmacist_id", pharmacistID.String()),
		zap.String("date", date.Format("2006-01-02")),
		zap.String("time_label", string(label)),
	)

	return created, nil
}

// ListAvailable returns Available slots matching the filter, ordered by
// (date, time label) ascending for deterministic display.
func (r *SlotRegistry) ListAvailable(ctx context.Context, filter SlotFilter) ([]Slot, error) {
	slots, err := r.repo.ListSlotsByStatus(ctx, SlotAvailable, filter)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if !slots[i].Date.Equal(slots[j].Date) {
			return slots[i].Date.Before(slots[j].Date)
		}
		return r.labels.OrderOf(slots[i].TimeLabel) < r.labels.OrderOf(slots[j].TimeLabel)
	})

	return slots, nil
}

func (r *SlotRegistry) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.repo.GetSlotByID(ctx, id)
}

// MarkBooked claims an Available slot. Fails with ErrInvalidTransition when
// the slot is in any other status, including when a concurrent claim won.
func (r *SlotRegistry) MarkBooked(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.casSlot(ctx, id, SlotAvailable, SlotBooked)
}

// MarkAvailable releases a Booked slot back to Available. Used on rejection
// and cancellation to restore capacity.
func (r *SlotRegistry) MarkAvailable(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return r.casSlot(ctx, id, SlotBooked, SlotAvailable)
}

// Withdraw takes an Available slot out of circulation. Only the owning
// pharmacist may withdraw. Booked slots are withdrawn through
// Coordinator.WithdrawSlot, which also settles the bound appointment.
func (r *SlotRegistry) Withdraw(ctx context.Context, id, ownerPharmacistID uuid.UUID) (*Slot, error) {
	slot, err := r.repo.GetSlotByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if slot.PharmacistID != ownerPharmacistID {
		return nil, ErrForbidden
	}
	return r.casSlot(ctx, id, SlotAvailable, SlotUnavailable)
}

func (r *SlotRegistry) casSlot(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	updated, err := r.repo.UpdateSlotStatus(ctx, id, from, to)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			// Distinguish a missing slot from one in the wrong status.
			if _, getErr := r.repo.GetSlotByID(ctx, id); getErr == nil {
				return nil, ErrInvalidTransition
			}
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("update slot status: %w", err)
	}
	return updated, nil
}
