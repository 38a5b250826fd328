package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/db"
	"github.com/hackgods/clinic-appointment-payments/internal/scheduling"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "seed")
	logger.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedDoctors(context.Background(), pool, logger, envInt("SEED_DOCTORS", 20))
	if err != nil {
		logger.Error("seed doctors", "error", err)
		os.Exit(1)
	}
	patients, err := seedPatients(context.Background(), pool, logger, envInt("SEED_PATIENTS", 2000))
	if err != nil {
		logger.Error("seed patients", "error", err)
		os.Exit(1)
	}
	if err := seedBusinessHours(context.Background(), pool, logger); err != nil {
		logger.Error("seed business hours", "error", err)
		os.Exit(1)
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		printTokens(secret, doctors[0], patients[0])
	}
	logger.Info("seed complete", "doctors", len(doctors), "patients", len(patients))
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, logger *logging.Logger, count int) ([]uuid.UUID, error) {
	logger.Info("seeding doctors", "count", count)

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, "Dr(a). "+gofakeit.Name(), spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, logger *logging.Logger, count int) ([]uuid.UUID, error) {
	logger.Info("seeding patients", "count", count)

	const batchSize = 500
	ids := make([]uuid.UUID, 0, count)

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email(), "55"+gofakeit.Numerify("119########"))
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		logger.Info("patients seeded", "done", end, "total", count)
	}
	return ids, nil
}

// seedBusinessHours installs the clinic-wide default: weekdays 08:00-18:00,
// 30 minute appointments and a lunch break from 12:00 to 13:00.
func seedBusinessHours(ctx context.Context, pool *pgxpool.Pool, logger *logging.Logger) error {
	policy := scheduling.Policy{
		Days:                [7]bool{false, true, true, true, true, true, false},
		StartTime:           "08:00",
		EndTime:             "18:00",
		AppointmentDuration: 30,
		LunchBreakEnabled:   true,
		LunchStartTime:      "12:00",
		LunchEndTime:        "13:00",
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	saved, err := appointment.NewPgRepository(pool).UpsertPolicy(ctx, policy)
	if err != nil {
		return err
	}
	logger.Info("business hours seeded", "policy_id", saved.ID)
	return nil
}

func printTokens(secret string, doctorID, patientID uuid.UUID) {
	principals := []struct {
		label string
		p     auth.Principal
	}{
		{"admin", auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin}},
		{"doctor", auth.Principal{ID: doctorID, Role: auth.RoleDoctor}},
		{"patient", auth.Principal{ID: patientID, Role: auth.RoleUser}},
	}
	for _, pr := range principals {
		tok, err := auth.IssueToken(secret, pr.p, 24*time.Hour)
		if err != nil {
			continue
		}
		fmt.Printf("%-8s %s %s\n", pr.label, pr.p.ID, tok)
	}
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return def
}
