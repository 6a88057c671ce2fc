package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulfillmentworks/lifetest/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RecheckGracePeriod is the minimum age a step must reach before it
// becomes eligible for reconciliation against the hub. Polling earlier
// would read hub state that has not caught up with the request yet.
const RecheckGracePeriod = 120 * time.Second

var (
	// ErrBusy is returned by CreateRun while another run is active.
	ErrBusy = errors.New("a test run is already active")

	// ErrNotFound is returned when a run or step lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

// Store provides persistence for test runs and their steps. The backing
// database tolerates a single writer, so every operation (reads
// included) is funneled through one internal serialization point;
// callers may invoke it concurrently but must never assume atomicity
// across two separate calls.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// IsIdle reports whether no run is currently active.
	IsIdle(ctx context.Context) (bool, error)

	// CreateRun inserts a new running TestRun for the given subscription
	// object id. The idle check and the insert happen as one serialized
	// unit; ErrBusy is returned when another run is active.
	CreateRun(ctx context.Context, objectID string) (*TestRun, error)

	GetRun(ctx context.Context, id uint) (*TestRun, error)
	ListRuns(ctx context.Context) ([]TestRun, error)

	// GetRunIDByObjectID resolves the run owning the given subscription
	// object id. Inbound notifications carry the subscription id, not
	// the run id.
	GetRunIDByObjectID(ctx context.Context, objectID string) (uint, error)

	// AddStep appends a step to the run owning objectID. requestID may
	// be empty when the hub-side request does not exist yet.
	AddStep(ctx context.Context, objectID, name, requestID string) error

	// UpdateStepObjectID sets the hub request id on the named step.
	UpdateStepObjectID(ctx context.Context, runID uint, name, requestID string) error

	// CheckStep marks the first unchecked step with the given name as
	// checked. A non-empty requestID additionally scopes the match to
	// that request, guarding against repeated notifications for
	// different instances of the same stage.
	CheckStep(ctx context.Context, runID uint, name, requestID string) error

	// CheckStepByRequestID marks the step referencing the given hub
	// request as checked. Used by manual reconciliation, where the
	// request id is read back from the step row itself.
	CheckStepByRequestID(ctx context.Context, runID uint, requestID string) error

	CountCheckedSteps(ctx context.Context, runID uint) (int, error)

	// StepsDueForRecheck returns unchecked, referenced steps of the run
	// older than RecheckGracePeriod, ordered by creation.
	StepsDueForRecheck(ctx context.Context, runID uint) ([]Step, error)

	// SetResult records a terminal result. It is a no-op once the run
	// already has one.
	SetResult(ctx context.Context, runID uint, result Result) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB

	// mu is the single serialization point for the underlying
	// connection; every operation below takes it.
	mu sync.Mutex
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&TestRun{},
		&Step{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) IsIdle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isIdle(ctx)
}

// isIdle must be called with mu held.
func (s *store) isIdle(ctx context.Context) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("running = ?", true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting active runs: %w", err)
	}

	return count == 0, nil
}

func (s *store) CreateRun(
	ctx context.Context, objectID string,
) (*TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &TestRun{
		Running:   true,
		ObjectID:  objectID,
		CreatedAt: time.Now().UTC(),
		Steps:     []Step{},
	}

	// Check-then-insert inside one transaction so two concurrent
	// creates cannot both observe an idle store.
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&TestRun{}).
			Where("running = ?", true).
			Count(&count).Error; err != nil {
			return fmt.Errorf("counting active runs: %w", err)
		}

		if count > 0 {
			return ErrBusy
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

func (s *store) GetRun(ctx context.Context, id uint) (*TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getRun(ctx, id)
}

// getRun must be called with mu held.
func (s *store) getRun(ctx context.Context, id uint) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step.id ASC")
		}).
		First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context) ([]TestRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step.id ASC")
		}).
		Order("id ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetRunIDByObjectID(
	ctx context.Context, objectID string,
) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getRunIDByObjectID(ctx, objectID)
}

// getRunIDByObjectID must be called with mu held.
func (s *store) getRunIDByObjectID(
	ctx context.Context, objectID string,
) (uint, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).
		Select("id").
		Where("object_id = ?", objectID).
		Order("id DESC").
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}

		return 0, fmt.Errorf("resolving run by object id: %w", err)
	}

	return run.ID, nil
}

func (s *store) AddStep(
	ctx context.Context, objectID, name, requestID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID, err := s.getRunIDByObjectID(ctx, objectID)
	if err != nil {
		return err
	}

	step := &Step{
		TestID:    runID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Checked:   false,
	}

	if requestID != "" {
		step.ObjectID = &requestID
	}

	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return fmt.Errorf("adding step %q: %w", name, err)
	}

	return nil
}

func (s *store) UpdateStepObjectID(
	ctx context.Context, runID uint, name, requestID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).
		Model(&Step{}).
		Where("test_id = ? AND name = ?", runID, name).
		Update("object_id", requestID).Error; err != nil {
		return fmt.Errorf("updating step %q object id: %w", name, err)
	}

	return nil
}

func (s *store) CheckStep(
	ctx context.Context, runID uint, name, requestID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.db.WithContext(ctx).
		Where("test_id = ? AND checked = ? AND name = ?", runID, false, name)

	if requestID != "" {
		query = query.Where("object_id = ?", requestID)
	}

	return s.checkFirstMatch(ctx, query, name)
}

func (s *store) CheckStepByRequestID(
	ctx context.Context, runID uint, requestID string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := s.db.WithContext(ctx).
		Where("test_id = ? AND checked = ? AND object_id = ?",
			runID, false, requestID)

	return s.checkFirstMatch(ctx, query, requestID)
}

// checkFirstMatch marks the first step matched by query as checked.
// Checking is idempotent: the query only matches unchecked rows, so a
// second call finds nothing and leaves checked_at untouched. Must be
// called with mu held.
func (s *store) checkFirstMatch(
	ctx context.Context, query *gorm.DB, what string,
) error {
	var step Step

	err := query.Order("id ASC").First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Already checked or not yet created.
			return nil
		}

		return fmt.Errorf("finding step %q: %w", what, err)
	}

	now := time.Now().UTC()

	if err := s.db.WithContext(ctx).
		Model(&Step{}).
		Where("id = ?", step.ID).
		Updates(map[string]any{
			"checked":    true,
			"checked_at": now,
		}).Error; err != nil {
		return fmt.Errorf("checking step %q: %w", what, err)
	}

	return nil
}

func (s *store) CountCheckedSteps(
	ctx context.Context, runID uint,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.countCheckedSteps(ctx, runID)
}

// countCheckedSteps must be called with mu held.
func (s *store) countCheckedSteps(
	ctx context.Context, runID uint,
) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Step{}).
		Where("test_id = ? AND checked = ?", runID, true).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting checked steps: %w", err)
	}

	return int(count), nil
}

func (s *store) StepsDueForRecheck(
	ctx context.Context, runID uint,
) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-RecheckGracePeriod)

	var steps []Step
	if err := s.db.WithContext(ctx).
		Where("test_id = ? AND checked = ? AND object_id IS NOT NULL AND created_at < ?",
			runID, false, cutoff).
		Order("id ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("listing steps due for recheck: %w", err)
	}

	return steps, nil
}

func (s *store) SetResult(
	ctx context.Context, runID uint, result Result,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Guarded by done_at so a terminal run is never overwritten.
	if err := s.db.WithContext(ctx).
		Model(&TestRun{}).
		Where("id = ? AND done_at IS NULL", runID).
		Updates(map[string]any{
			"result":  result,
			"done_at": now,
			"running": false,
		}).Error; err != nil {
		return fmt.Errorf("setting run result: %w", err)
	}

	return nil
}
