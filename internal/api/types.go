package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

const dateLayout = "2006-01-02"

type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Password string `json:"password" validate:"required"`
	FullName string `json:"full_name" validate:"required,max=128"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone" validate:"required,max=32"`
}

type LoginRequest struct {
	UsernameOrEmail string `json:"username_or_email" validate:"required"`
	Password        string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

type PublishSlotRequest struct {
	Date      string `json:"date" validate:"required"`
	TimeLabel string `json:"time_label" validate:"required"`
}

type SlotResponse struct {
	ID           uuid.UUID `json:"id"`
	PharmacistID uuid.UUID `json:"pharmacist_id"`
	Date         string    `json:"date"`
	TimeLabel    string    `json:"time_label"`
	Status       string    `json:"status"`
}

func toSlotResponse(s *scheduling.Slot) SlotResponse {
	return SlotResponse{
		ID:           s.ID,
		PharmacistID: s.PharmacistID,
		Date:         s.Date.Format(dateLayout),
		TimeLabel:    string(s.TimeLabel),
		Status:       string(s.Status),
	}
}

type BookAppointmentRequest struct {
	SlotID      string `json:"slot_id" validate:"required,uuid4"`
	ReferralRef string `json:"referral_ref" validate:"required"`
}

type RejectAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RescheduleAppointmentRequest struct {
	NewSlotID string `json:"new_slot_id" validate:"required,uuid4"`
}

type AppointmentResponse struct {
	ID              uuid.UUID `json:"id"`
	CustomerID      uuid.UUID `json:"customer_id"`
	PharmacistID    uuid.UUID `json:"pharmacist_id"`
	SlotID          uuid.UUID `json:"slot_id"`
	Date            string    `json:"date"`
	TimeLabel       string    `json:"time_label"`
	Status          string    `json:"status"`
	RejectionReason *string   `json:"rejection_reason,omitempty"`
	ReferralRef     string    `json:"referral_ref"`
	CreatedAt       time.Time `json:"created_at"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		CustomerID:      a.CustomerID,
		PharmacistID:    a.PharmacistID,
		SlotID:          a.SlotID,
		Date:            a.Date.Format(dateLayout),
		TimeLabel:       string(a.TimeLabel),
		Status:          string(a.Status),
		RejectionReason: a.RejectionReason,
		ReferralRef:     a.ReferralRef,
		CreatedAt:       a.CreatedAt,
	}
}

type DocumentResponse struct {
	Ref string `json:"ref"`
	URL string `json:"url,omitempty"`
}
