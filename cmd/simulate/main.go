package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/db"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	SlotMinutes  int
	RaceSize     int
	PostgresDSN  string
	JWTSecret    string
	Date         time.Time
}

type patient struct {
	ID    uuid.UUID
	Token string
}

type DataPool struct {
	Patients     []patient
	Doctors      []uuid.UUID
	mu           sync.RWMutex
	appointments map[uuid.UUID]patient // booked appointment -> owner
}

func (dp *DataPool) AddAppointment(id uuid.UUID, owner patient) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments[id] = owner
}

func (dp *DataPool) TakeAppointment(rng *rand.Rand) (uuid.UUID, patient, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, patient{}, false
	}
	skip := rng.Intn(len(dp.appointments))
	for id, owner := range dp.appointments {
		if skip == 0 {
			delete(dp.appointments, id)
			return id, owner, true
		}
		skip--
	}
	return uuid.Nil, patient{}, false
}

// opStats counts outcomes and keeps every latency for percentile reporting.
type opStats struct {
	total, ok, conflict, failed atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (o *opStats) Record(latency time.Duration, success, conflict bool) {
	o.total.Add(1)
	switch {
	case success:
		o.ok.Add(1)
	case conflict:
		o.conflict.Add(1)
	default:
		o.failed.Add(1)
	}
	o.mu.Lock()
	o.latencies = append(o.latencies, latency)
	o.mu.Unlock()
}

type latencySummary struct {
	Avg, Min, Max, P50, P95 time.Duration
}

func (o *opStats) Summary() latencySummary {
	o.mu.Lock()
	sorted := slices.Clone(o.latencies)
	o.mu.Unlock()
	if len(sorted) == 0 {
		return latencySummary{}
	}
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	at := func(p int) time.Duration {
		return sorted[min(len(sorted)*p/100, len(sorted)-1)]
	}
	return latencySummary{
		Avg: sum / time.Duration(len(sorted)),
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		P50: at(50),
		P95: at(95),
	}
}

type simStats struct {
	Booking   opStats
	Cancel    opStats
	ReadByID  opStats
	List      opStats
	SlotQuery opStats
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	stats   simStats
	logger  *logging.Logger
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "simulate")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger.Info("simulator starting",
		"duration", cfg.Duration, "workers", cfg.Workers, "date", cfg.Date.Format(time.DateOnly),
		"booking", cfg.BookingRatio, "cancel", cfg.CancelRatio, "read", cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Error("load data pool", "error", err)
		os.Exit(1)
	}
	logger.Info("data loaded", "patients", len(dataPool.Patients), "doctors", len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	if cfg.RaceSize > 0 {
		sim.Race(context.Background())
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   envOr("SIM_API_BASE_URL", "http://localhost:8080", asString),
		Duration:     envOr("SIM_DURATION", 30*time.Second, time.ParseDuration),
		Workers:      envOr("SIM_WORKERS", 10, strconv.Atoi),
		BookingRatio: envOr("SIM_BOOKING_RATIO", 0.5, asFloat),
		CancelRatio:  envOr("SIM_CANCEL_RATIO", 0.1, asFloat),
		ReadRatio:    envOr("SIM_READ_RATIO", 0.4, asFloat),
		PatientLimit: envOr("SIM_PATIENT_LIMIT", 500, strconv.Atoi),
		DoctorLimit:  envOr("SIM_DOCTOR_LIMIT", 3, strconv.Atoi),
		SlotMinutes:  envOr("SIM_SLOT_MINUTES", 30, strconv.Atoi),
		RaceSize:     envOr("SIM_RACE_SIZE", 20, strconv.Atoi),
		PostgresDSN:  os.Getenv("POSTGRES_DSN"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		Date:         nextWeekday(time.Now().UTC()),
	}
	if v := os.Getenv("SIM_DATE"); v != "" {
		if d, err := time.Parse(time.DateOnly, v); err == nil {
			cfg.Date = d
		}
	}

	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required to mint patient tokens")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool keeps the doctor set small on purpose so workers collide on
// the same slots.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{appointments: make(map[uuid.UUID]patient)}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		tok, err := auth.IssueToken(cfg.JWTSecret, auth.Principal{ID: id, Role: auth.RoleUser}, cfg.Duration+time.Hour)
		if err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, patient{ID: id, Token: tok})
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM doctors ORDER BY created_at LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}
	return dataPool, nil
}

// Race fires RaceSize simultaneous bookings at the same free slot. Exactly
// one should win; everything else must come back as a conflict.
func (s *Simulator) Race(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	doctorID := s.pool.Doctors[0]
	slots, err := s.fetchSlots(ctx, doctorID)
	if err != nil || len(slots) == 0 {
		s.logger.Warn("race skipped, no free slot", "doctor_id", doctorID, "error", err)
		return
	}
	start := slots[0]
	end, err := addMinutes(start, s.config.SlotMinutes)
	if err != nil {
		return
	}
	body, _ := json.Marshal(map[string]any{
		"doctorId":    doctorID.String(),
		"date":        s.config.Date.Format(time.DateOnly),
		"startTime":   start,
		"endTime":     end,
		"amountCents": 15000,
	})

	var winners, conflicts, failures int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < s.config.RaceSize; i++ {
		p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			resp, err := s.do(ctx, http.MethodPost, "/appointments", p.Token, body)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusCreated:
				atomic.AddInt64(&winners, 1)
			case http.StatusConflict:
				atomic.AddInt64(&conflicts, 1)
			default:
				atomic.AddInt64(&failures, 1)
			}
		}()
	}
	close(gate)
	wg.Wait()

	s.logger.Info("slot race finished",
		"doctor_id", doctorID, "start", start, "contenders", s.config.RaceSize,
		"winners", winners, "conflicts", conflicts, "errors", failures)
	if winners > 1 {
		s.logger.Error("double booking detected", "winners", winners)
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info("starting simulation", "duration", s.config.Duration, "workers", s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.CancelRatio:
				s.doCancel(ctx, rng)
			default:
				switch rng.Intn(3) {
				case 0:
					s.doReadByID(ctx, rng)
				case 1:
					s.doList(ctx, rng)
				case 2:
					s.doSlotQuery(ctx, rng)
				}
			}
		}
	}
}

// doBooking asks for the doctor's free slots and races for one of the first
// few, so concurrent workers usually contend for the same start time.
func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	slots, err := s.fetchSlots(ctx, doctorID)
	if err != nil || len(slots) == 0 {
		return
	}
	start := slots[rng.Intn(min(3, len(slots)))]
	end, err := addMinutes(start, s.config.SlotMinutes)
	if err != nil {
		return
	}

	body, _ := json.Marshal(map[string]any{
		"doctorId":    doctorID.String(),
		"date":        s.config.Date.Format(time.DateOnly),
		"startTime":   start,
		"endTime":     end,
		"amountCents": 15000,
	})

	began := time.Now()
	resp, err := s.do(ctx, http.MethodPost, "/appointments", p.Token, body)
	latency := time.Since(began)

	success, conflict := false, false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusCreated:
			success = true
			var booking struct {
				Appointment struct {
					ID uuid.UUID `json:"id"`
				} `json:"appointment"`
			}
			if raw, _ := io.ReadAll(resp.Body); json.Unmarshal(raw, &booking) == nil && booking.Appointment.ID != uuid.Nil {
				s.pool.AddAppointment(booking.Appointment.ID, p)
			}
		case http.StatusConflict:
			conflict = true
		}
	}
	s.stats.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, owner, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	began := time.Now()
	resp, err := s.do(ctx, http.MethodDelete, "/appointments/"+id.String(), owner.Token, nil)
	latency := time.Since(began)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusNoContent
	}
	s.stats.Cancel.Record(latency, success, false)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, owner, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}
	defer s.pool.AddAppointment(id, owner)

	began := time.Now()
	resp, err := s.do(ctx, http.MethodGet, "/appointments/"+id.String(), owner.Token, nil)
	latency := time.Since(began)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.stats.ReadByID.Record(latency, success, false)
}

func (s *Simulator) doList(ctx context.Context, rng *rand.Rand) {
	p := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	began := time.Now()
	resp, err := s.do(ctx, http.MethodGet, "/appointments?limit=20&offset=0", p.Token, nil)
	latency := time.Since(began)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}
	s.stats.List.Record(latency, success, false)
}

func (s *Simulator) doSlotQuery(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	began := time.Now()
	_, err := s.fetchSlots(ctx, doctorID)
	s.stats.SlotQuery.Record(time.Since(began), err == nil, false)
}

func (s *Simulator) fetchSlots(ctx context.Context, doctorID uuid.UUID) ([]string, error) {
	path := fmt.Sprintf("/business-hours/available-slots?date=%s&doctorId=%s", s.config.Date.Format(time.DateOnly), doctorID)
	resp, err := s.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("available slots: status %d", resp.StatusCode)
	}
	var out struct {
		Slots []string `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.client.Do(req)
}

func (s *Simulator) PrintReport() {
	fmt.Printf("\nslot simulation: %s, %d workers, booking date %s\n\n",
		s.config.Duration, s.config.Workers, s.config.Date.Format(time.DateOnly))

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "operation\ttotal\tok\tconflict\terror\tavg\tp50\tp95\tmax\t")
	for _, row := range []struct {
		name string
		op   *opStats
	}{
		{"booking", &s.stats.Booking},
		{"cancel", &s.stats.Cancel},
		{"read", &s.stats.ReadByID},
		{"list", &s.stats.List},
		{"slots", &s.stats.SlotQuery},
	} {
		total := row.op.total.Load()
		if total == 0 {
			continue
		}
		sum := row.op.Summary()
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t\n",
			row.name, total, row.op.ok.Load(), row.op.conflict.Load(), row.op.failed.Load(),
			sum.Avg.Round(time.Millisecond), sum.P50.Round(time.Millisecond),
			sum.P95.Round(time.Millisecond), sum.Max.Round(time.Millisecond))
	}
	_ = tw.Flush()
}

func nextWeekday(now time.Time) time.Time {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func addMinutes(clock string, minutes int) (string, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return "", err
	}
	return t.Add(time.Duration(minutes) * time.Minute).Format("15:04"), nil
}

func envOr[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func asString(v string) (string, error) { return v, nil }

func asFloat(v string) (float64, error) { return strconv.ParseFloat(v, 64) }
