package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/hillpark/pharmacy-booking/internal/db"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

// Development seed: creates the schema, a handful of pharmacists, a pool of
// customers, and a week of published slots.

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	full_name     TEXT NOT NULL,
	phone         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS slots (
	id            UUID PRIMARY KEY,
	pharmacist_id UUID NOT NULL REFERENCES users (id),
	date          DATE NOT NULL,
	time_label    TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- One live publication per (pharmacist, date, label); withdrawn slots do not
-- block republication.
CREATE UNIQUE INDEX IF NOT EXISTS slots_natural_key
	ON slots (pharmacist_id, date, time_label)
	WHERE status <> 'unavailable';

CREATE TABLE IF NOT EXISTS appointments (
	id               UUID PRIMARY KEY,
	customer_id      UUID NOT NULL REFERENCES users (id),
	pharmacist_id    UUID NOT NULL REFERENCES users (id),
	slot_id          UUID NOT NULL REFERENCES slots (id),
	date             DATE NOT NULL,
	time_label       TEXT NOT NULL,
	status           TEXT NOT NULL,
	rejection_reason TEXT,
	referral_ref     TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- At most one non-terminal appointment may reference a slot.
CREATE UNIQUE INDEX IF NOT EXISTS appointments_open_slot
	ON appointments (slot_id)
	WHERE status IN ('pending_confirmation', 'confirmed');

CREATE TABLE IF NOT EXISTS transition_events (
	id             BIGSERIAL PRIMARY KEY,
	event_type     TEXT NOT NULL,
	appointment_id UUID,
	slot_id        UUID,
	payload        JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(context.Background(), schema); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	log.Println("schema ready")

	gofakeit.Seed(time.Now().UnixNano())

	pharmacists, err := seedUsers(context.Background(), pool, "pharmacist", 5)
	if err != nil {
		log.Fatalf("seed pharmacists: %v", err)
	}
	if _, err := seedUsers(context.Background(), pool, "customer", 200); err != nil {
		log.Fatalf("seed customers: %v", err)
	}
	if err := seedSlots(context.Background(), pool, pharmacists, 7); err != nil {
		log.Fatalf("seed slots: %v", err)
	}

	log.Println("seed complete")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool, role string, count int) ([]uuid.UUID, error) {
	log.Printf("seeding %d %ss", count, role)

	// Shared dev password: "seeded-pw!" meets the registration policy.
	hash, err := bcrypt.GenerateFromPassword([]byte("seeded-pw!"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		username := gofakeit.Username()
		email := gofakeit.Email()
		phone := gofakeit.Phone()

		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, username, email, password_hash, role, full_name, phone, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (username) DO NOTHING
		`, id, username, email, string(hash), role, name, phone)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Printf("%ss seeded", role)
	return ids, nil
}

func seedSlots(ctx context.Context, pool *pgxpool.Pool, pharmacists []uuid.UUID, days int) error {
	labels := scheduling.DefaultTimeLabels

	log.Printf("seeding %d days of slots for %d pharmacists", days, len(pharmacists))

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start := scheduling.DateOnly(time.Now().AddDate(0, 0, 1))
	for _, pharmacistID := range pharmacists {
		for d := 0; d < days; d++ {
			date := start.AddDate(0, 0, d)
			for _, label := range labels {
				_, err := tx.Exec(ctx, `
					INSERT INTO slots (id, pharmacist_id, date, time_label, status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, 'available', now(), now())
					ON CONFLICT DO NOTHING
				`, uuid.New(), pharmacistID, date, label)
				if err != nil {
					return err
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Println("slots seeded")
	return nil
}
