package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hillpark/pharmacy-booking/internal/auth"
	"github.com/hillpark/pharmacy-booking/internal/documents"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

var validate = validator.New()

const maxReferralSize = 10 << 20 // 10 MiB

// referralLinkTTL bounds how long a handed-out referral URL stays valid.
const referralLinkTTL = 15 * time.Minute

// Auth

func registerHandler(provider *auth.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}

		user, err := provider.Register(r.Context(), auth.RegisterInput{
			Username: req.Username,
			Password: req.Password,
			FullName: req.FullName,
			Email:    req.Email,
			Phone:    req.Phone,
			Role:     auth.RoleCustomer,
		})
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrWeakPassword):
				writeError(w, http.StatusBadRequest, "weak_password", "password must be at least 8 characters and contain a special character")
			case errors.Is(err, auth.ErrEmailTaken):
				writeError(w, http.StatusConflict, "email_taken", "email already registered")
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			}
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{
			"user_id": user.ID.String(),
			"role":    string(user.Role),
		})
	}
}

func loginHandler(provider *auth.Provider, issuer *auth.TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}

		user, err := provider.Authenticate(r.Context(), req.UsernameOrEmail, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredentials) {
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		token, err := issuer.Issue(user.ID, user.Role)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, TokenResponse{
			Token:  token,
			UserID: user.ID.String(),
			Role:   string(user.Role),
		})
	}
}

// Slots

func publishSlotHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PublishSlotRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}

		date, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		slot, err := coord.PublishSlot(r.Context(), CallerID(r.Context()), date, scheduling.TimeLabel(req.TimeLabel))
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSlotResponse(slot))
	}
}

func listSlotsHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter scheduling.SlotFilter

		if v := r.URL.Query().Get("pharmacist_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_pharmacist_id", "pharmacist_id must be a valid UUID")
				return
			}
			filter.PharmacistID = &id
		}
		if v := r.URL.Query().Get("from"); v != "" {
			t, err := time.Parse(dateLayout, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_from", "from must be YYYY-MM-DD")
				return
			}
			filter.From = &t
		}
		if v := r.URL.Query().Get("to"); v != "" {
			t, err := time.Parse(dateLayout, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_to", "to must be YYYY-MM-DD")
				return
			}
			filter.To = &t
		}

		slots, err := coord.ListAvailableSlots(r.Context(), filter)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for i := range slots {
			resp = append(resp, toSlotResponse(&slots[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func withdrawSlotHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slotID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a valid UUID")
			return
		}

		slot, err := coord.WithdrawSlot(r.Context(), CallerID(r.Context()), slotID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toSlotResponse(slot))
	}
}

// Appointments

func bookAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}

		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		appt, err := coord.Book(r.Context(), CallerID(r.Context()), slotID, req.ReferralRef)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var (
			appts []scheduling.Appointment
			err   error
		)

		switch CallerRole(ctx) {
		case auth.RolePharmacist:
			var status *scheduling.AppointmentStatus
			if v := r.URL.Query().Get("status"); v != "" {
				s := scheduling.AppointmentStatus(v)
				switch s {
				case scheduling.StatusPendingConfirmation, scheduling.StatusConfirmed,
					scheduling.StatusRejected, scheduling.StatusCancelled, scheduling.StatusRescheduled:
					status = &s
				default:
					writeError(w, http.StatusBadRequest, "invalid_status", "unknown appointment status")
					return
				}
			}
			appts, err = coord.ListPharmacistAppointments(ctx, CallerID(ctx), status)
		default:
			appts, err = coord.ListCustomerAppointments(ctx, CallerID(ctx))
		}
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := coord.GetAppointment(r.Context(), apptID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		caller := CallerID(r.Context())
		if caller != appt.CustomerID && caller != appt.PharmacistID {
			writeError(w, http.StatusForbidden, "forbidden", "appointment belongs to another user")
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := coord.Confirm(r.Context(), CallerID(r.Context()), apptID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rejectAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		// Reason is optional; an empty body is fine.
		var req RejectAppointmentRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		var reason *string
		if req.Reason != "" {
			reason = &req.Reason
		}

		appt, err := coord.Reject(r.Context(), CallerID(r.Context()), apptID, reason)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := coord.Cancel(r.Context(), CallerID(r.Context()), apptID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(coord *scheduling.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleAppointmentRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
			return
		}

		newSlotID, err := uuid.Parse(req.NewSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_new_slot_id", "new_slot_id must be a valid UUID")
			return
		}

		appt, err := coord.Reschedule(r.Context(), CallerID(r.Context()), apptID, newSlotID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

// referralLinkHandler hands either party of an appointment a short-lived
// presigned URL to the referral letter, so the pharmacist can review it
// before confirming.
func referralLinkHandler(coord *scheduling.Coordinator, docs documents.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apptID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := coord.GetAppointment(r.Context(), apptID)
		if err != nil {
			handleSchedulingError(w, err)
			return
		}

		caller := CallerID(r.Context())
		if caller != appt.CustomerID && caller != appt.PharmacistID {
			writeError(w, http.StatusForbidden, "forbidden", "appointment belongs to another user")
			return
		}

		url, err := docs.PresignedURL(r.Context(), appt.ReferralRef, referralLinkTTL)
		if err != nil {
			if errors.Is(err, documents.ErrBadRef) {
				writeError(w, http.StatusNotFound, "referral_not_found", "appointment carries no readable referral reference")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, DocumentResponse{Ref: appt.ReferralRef, URL: url})
	}
}

// Documents

func uploadDocumentHandler(docs documents.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(maxReferralSize); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_multipart", "could not parse multipart form")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing_file", "a 'file' part is required")
			return
		}
		defer file.Close()

		ref, err := docs.Save(r.Context(), file, header.Size, header.Filename, header.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, DocumentResponse{Ref: ref})
	}
}

// handleSchedulingError maps domain errors onto HTTP status codes. Every
// scheduling error is recoverable from the caller's point of view except
// ErrInconsistentState, which is surfaced distinctly for reconciliation.
func handleSchedulingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, scheduling.ErrDuplicateSlot):
		writeError(w, http.StatusConflict, "duplicate_slot", err.Error())
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, scheduling.ErrUnknownTimeLabel):
		writeError(w, http.StatusBadRequest, "unknown_time_label", err.Error())
	case errors.Is(err, scheduling.ErrMissingReferral):
		writeError(w, http.StatusBadRequest, "missing_referral", err.Error())
	case errors.Is(err, scheduling.ErrInconsistentState):
		writeError(w, http.StatusInternalServerError, "inconsistent_state", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
