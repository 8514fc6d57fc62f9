// Package planstore keeps the history of implant plans, the shape fits they
// were built on and the navigation events recorded against them in a SQLite
// database.
package planstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"kneenav/internal/models"
	"kneenav/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a plan id is unknown.
var ErrNotFound = errors.New("plan not found")

// Event kinds recorded by the navigation session.
const (
	EventSelected   = "selected"
	EventReselected = "reselected"
	EventComplete   = "complete"
)

// Plan is a stored implant selection.
type Plan struct {
	ID        string
	Bone      models.Bone
	Side      models.Side
	Label     string
	Index     int
	Score     float64
	Scores    []float64
	Placement mgl64.Mat4
	Mirrored  bool
	CreatedAt time.Time
}

// Fit is a stored shape fit summary.
type Fit struct {
	ID           string
	PlanID       string
	MeanDistance float64
	Coefficients int
	Converged    bool
	CreatedAt    time.Time
}

// Event is a navigation milestone of a plan.
type Event struct {
	ID        string
	PlanID    string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// Store is a plan database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and migrates it to the latest
// schema.
func Open(path string) (*Store, error) {
	// pragmas in the DSN apply to every pooled connection
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open plan store %s: %v: %w", path, err, models.ErrIO)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open plan store %s: %v: %w", path, err, models.ErrIO)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Version returns the applied schema version.
func (s *Store) Version() (uint, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, err
	}
	v, _, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	return v, err
}

func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed, that would close the shared connection
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("plan store migration: %w", err)
	}
	return nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("plan store migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("plan store migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("plan store migrate: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// SavePlan inserts p, assigning an id and creation time when unset.
func (s *Store) SavePlan(ctx context.Context, p *Plan) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	scores, err := json.Marshal(encodeScores(p.Scores))
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	placement, err := json.Marshal(p.Placement)
	if err != nil {
		return fmt.Errorf("encode placement: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (
			plan_id, bone, side, size_label, size_index, score,
			scores_json, placement, mirrored, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Bone.String(), p.Side.String(), p.Label, p.Index, p.Score,
		string(scores), string(placement), p.Mirrored, p.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

const planColumns = `plan_id, bone, side, size_label, size_index, score,
	scores_json, placement, mirrored, created_at`

// GetPlan returns the plan with the given id.
func (s *Store) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE plan_id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListPlans returns the plans of a bone, newest first.
func (s *Store) ListPlans(ctx context.Context, bone models.Bone) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+`
		FROM plans WHERE bone = ? ORDER BY created_at DESC`, bone.String())
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row scanner) (*Plan, error) {
	var (
		p                           Plan
		bone, side, scores, placing string
		created                     int64
	)
	err := row.Scan(&p.ID, &bone, &side, &p.Label, &p.Index, &p.Score,
		&scores, &placing, &p.Mirrored, &created)
	if err != nil {
		return nil, err
	}
	if p.Bone, err = models.ParseBone(bone); err != nil {
		return nil, err
	}
	if p.Side, err = models.ParseSide(side); err != nil {
		return nil, err
	}
	var raw []*float64
	if err := json.Unmarshal([]byte(scores), &raw); err != nil {
		return nil, fmt.Errorf("decode scores of plan %s: %w", p.ID, err)
	}
	p.Scores = decodeScores(raw)
	if err := json.Unmarshal([]byte(placing), &p.Placement); err != nil {
		return nil, fmt.Errorf("decode placement of plan %s: %w", p.ID, err)
	}
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

// unscored candidates are NaN, stored as null
func encodeScores(scores []float64) []*float64 {
	out := make([]*float64, len(scores))
	for i := range scores {
		if !math.IsNaN(scores[i]) {
			out[i] = &scores[i]
		}
	}
	return out
}

func decodeScores(raw []*float64) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	return out
}

// RecordFit stores the fit a plan was built on.
func (s *Store) RecordFit(ctx context.Context, f *Fit) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fits (fit_id, plan_id, mean_distance, coefficients, converged, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.PlanID, f.MeanDistance, f.Coefficients, f.Converged, f.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert fit for plan %s: %w", f.PlanID, err)
	}
	return nil
}

// Fits returns the fits of a plan in insertion order.
func (s *Store) Fits(ctx context.Context, planID string) ([]*Fit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fit_id, plan_id, mean_distance, coefficients, converged, created_at
		FROM fits WHERE plan_id = ? ORDER BY created_at, rowid`, planID)
	if err != nil {
		return nil, fmt.Errorf("query fits: %w", err)
	}
	defer rows.Close()

	var fits []*Fit
	for rows.Next() {
		var f Fit
		var created int64
		if err := rows.Scan(&f.ID, &f.PlanID, &f.MeanDistance, &f.Coefficients, &f.Converged, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(0, created)
		fits = append(fits, &f)
	}
	return fits, rows.Err()
}

// RecordEvent stores a navigation milestone of a plan.
func (s *Store) RecordEvent(ctx context.Context, planID, kind, detail string) (*Event, error) {
	e := &Event{ID: uuid.New().String(), PlanID: planID, Kind: kind, Detail: detail, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, plan_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.PlanID, e.Kind, e.Detail, e.CreatedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert %s event for plan %s: %w", kind, planID, err)
	}
	return e, nil
}

// Events returns the events of a plan, oldest first.
func (s *Store) Events(ctx context.Context, planID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, plan_id, kind, detail, created_at
		FROM events WHERE plan_id = ? ORDER BY created_at, rowid`, planID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Kind, &detail, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.Unix(0, created)
		events = append(events, &e)
	}
	return events, rows.Err()
}
