package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type SlotStatus string

const (
	SlotAvailable   SlotStatus = "available"
	SlotBooked      SlotStatus = "booked"
	SlotUnavailable SlotStatus = "unavailable"
)

type AppointmentStatus string

const (
	StatusPendingConfirmation AppointmentStatus = "pending_confirmation"
	StatusConfirmed           AppointmentStatus = "confirmed"
	StatusRejected            AppointmentStatus = "rejected"
	StatusCancelled           AppointmentStatus = "cancelled"
	StatusRescheduled         AppointmentStatus = "rescheduled"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s AppointmentStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// TimeLabel is an atomic time-of-day token such as "9:00AM". Labels are
// compared as opaque strings against a configured closed set; they are never
// parsed as clock times.
type TimeLabel string

// Slot is a pharmacist-published consultation window. Slots are never
// deleted, only status-transitioned.
type Slot struct {
	ID           uuid.UUID
	PharmacistID uuid.UUID
	Date         time.Time // date-only, midnight UTC
	TimeLabel    TimeLabel
	Status       SlotStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Appointment is a customer's claim against a Slot. Date, TimeLabel and
// PharmacistID are copied from the slot at creation and only ever change
// together with SlotID during a reschedule.
type Appointment struct {
	ID              uuid.UUID
	CustomerID      uuid.UUID
	PharmacistID    uuid.UUID
	SlotID          uuid.UUID
	Date            time.Time
	TimeLabel       TimeLabel
	Status          AppointmentStatus
	// RejectionReason records why the appointment ended. It is set on
	// Rejected and on Cancelled, where it also carries the cascade reason
	// when the slot itself was withdrawn.
	RejectionReason *string
	ReferralRef     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransitionEvent is an append-only audit record of a state transition.
type TransitionEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// NewID returns a fresh identifier. Random UUIDs keep ID generation safe
// under concurrent writers without a read-then-append race against the store.
func NewID() uuid.UUID {
	return uuid.New()
}

// DateOnly truncates t to its calendar date in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// TimeLabelSet is the closed set of bookable time-of-day labels, in display
// order. The zero value is unusable; construct with NewTimeLabelSet.
type TimeLabelSet struct {
	labels []TimeLabel
	index  map[TimeLabel]int
}

// DefaultTimeLabels is the pharmacy's standard consultation grid.
var DefaultTimeLabels = []string{"9:00AM", "11:00AM", "2:00PM", "4:00PM"}

func NewTimeLabelSet(labels []string) *TimeLabelSet {
	if len(labels) == 0 {
		labels = DefaultTimeLabels
	}
	s := &TimeLabelSet{
		labels: make([]TimeLabel, 0, len(labels)),
		index:  make(map[TimeLabel]int, len(labels)),
	}
	for _, l := range labels {
		tl := TimeLabel(l)
		if _, ok := s.index[tl]; ok {
			continue
		}
		s.index[tl] = len(s.labels)
		s.labels = append(s.labels, tl)
	}
	return s
}

func (s *TimeLabelSet) Contains(l TimeLabel) bool {
	_, ok := s.index[l]
	return ok
}

// OrderOf returns the display position of l, or len(set) for unknown labels
// so they sort last.
func (s *TimeLabelSet) OrderOf(l TimeLabel) int {
	if i, ok := s.index[l]; ok {
		return i
	}
	return len(s.labels)
}

func (s *TimeLabelSet) Labels() []TimeLabel {
	out := make([]TimeLabel, len(s.labels))
	copy(out, s.labels)
	return out
}
