package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.PharmacistID,
		&s.Date,
		&s.TimeLabel,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	s.Date = DateOnly(s.Date)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var reason *string

	err := row.Scan(
		&a.ID,
		&a.CustomerID,
		&a.PharmacistID,
		&a.SlotID,
		&a.Date,
		&a.TimeLabel,
		&a.Status,
		&reason,
		&a.ReferralRef,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.RejectionReason = reason
	a.Date = DateOnly(a.Date)
	return &a, nil
}

const slotColumns = "id, pharmacist_id, date, time_label, status, created_at, updated_at"
const apptColumns = "id, customer_id, pharmacist_id, slot_id, date, time_label, status, rejection_reason, referral_ref, created_at, updated_at"

// Interface methods

func (r *PgRepository) CreateSlot(ctx context.Context, s Slot) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO slots (id, pharmacist_id, date, time_label, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING `+slotColumns+`
	`, s.ID, s.PharmacistID, s.Date, s.TimeLabel, s.Status)

	created, err := scanSlot(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateSlot
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) FindActiveSlot(ctx context.Context, pharmacistID uuid.UUID, date time.Time, label TimeLabel) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE pharmacist_id = $1 AND date = $2 AND time_label = $3 AND status <> 'unavailable'
	`, pharmacistID, date, label)
	return scanSlot(row)
}

func (r *PgRepository) ListSlotsByStatus(ctx context.Context, status SlotStatus, filter SlotFilter) ([]Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE status = $1
	`
	args := []any{status}

	if filter.PharmacistID != nil {
		args = append(args, *filter.PharmacistID)
		query += fmt.Sprintf(" AND pharmacist_id = $%d", len(args))
	}
	if filter.From != nil {
		args = append(args, DateOnly(*filter.From))
		query += fmt.Sprintf(" AND date >= $%d", len(args))
	}
	if filter.To != nil {
		args = append(args, DateOnly(*filter.To))
		query += fmt.Sprintf(" AND date <= $%d", len(args))
	}

	query += " ORDER BY date, time_label"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slots
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+slotColumns+`
	`, id, to, from)

	return scanSlot(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, customer_id, pharmacist_id, slot_id, date, time_label, status, rejection_reason, referral_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, now(), now())
		RETURNING `+apptColumns+`
	`, a.ID, a.CustomerID, a.PharmacistID, a.SlotID, a.Date, a.TimeLabel, a.Status, a.ReferralRef)

	created, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrOpenAppointmentExists
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetOpenAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE slot_id = $1
		  AND status IN ('pending_confirmation', 'confirmed')
	`, slotID)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointmentsByCustomer(ctx context.Context, customerID uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE customer_id = $1
		ORDER BY date, time_label, created_at
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByPharmacist(ctx context.Context, pharmacistID uuid.UUID, status *AppointmentStatus) ([]Appointment, error) {
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE pharmacist_id = $1
	`
	args := []any{pharmacistID}

	if status != nil {
		args = append(args, *status)
		query += " AND status = $2"
	}

	query += " ORDER BY date, time_label, created_at"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    rejection_reason = COALESCE($4, rejection_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from, reason)

	return scanAppointment(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev TransitionEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO transition_events (event_type, appointment_id, slot_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.SlotID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert transition event: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
