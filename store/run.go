package store

import (
	"context"
	"fmt"
	"time"

	"gridbot/grid"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RunModel GORM model for grid_runs
type RunModel struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	Mode       string     `json:"mode" gorm:"not null"`
	Symbol     string     `json:"symbol" gorm:"not null;index"`
	State      string     `json:"state" gorm:"not null"`
	RiskState  string     `json:"risk_state"`
	Reason     string     `json:"reason,omitempty"`
	ConfigJSON string     `json:"config_json,omitempty" gorm:"type:text"`
	Summary    string     `json:"summary,omitempty" gorm:"type:text"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (RunModel) TableName() string {
	return "grid_runs"
}

// LevelModel GORM model for grid_levels
type LevelModel struct {
	ID          uint   `json:"-" gorm:"primaryKey;autoIncrement"`
	RunID       string `json:"run_id" gorm:"uniqueIndex:idx_level_run_index;not null"`
	LevelIndex  int    `json:"level_index" gorm:"uniqueIndex:idx_level_run_index;not null"`
	Price       string `json:"price" gorm:"not null"`
	Quantity    string `json:"quantity" gorm:"not null"`
	Intent      string `json:"intent"`
	InitialSide string `json:"initial_side"`
}

func (LevelModel) TableName() string {
	return "grid_levels"
}

// EventModel GORM model for grid_events
type EventModel struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID     string    `json:"run_id" gorm:"index;not null"`
	EventType string    `json:"event_type" gorm:"not null"`
	EventTime time.Time `json:"event_time"`
	Message   string    `json:"message,omitempty" gorm:"type:text"`
}

func (EventModel) TableName() string {
	return "grid_events"
}

// RunStore run, ladder and lifecycle storage
type RunStore struct {
	db *gorm.DB
}

// NewRunStore creates a run store
func NewRunStore(db *gorm.DB) *RunStore {
	return &RunStore{db: db}
}

// InitTables migrates the run tables
func (s *RunStore) InitTables() error {
	if err := s.db.AutoMigrate(&RunModel{}, &LevelModel{}, &EventModel{}); err != nil {
		return fmt.Errorf("failed to migrate run tables: %w", err)
	}
	return nil
}

// Save creates or updates a run
func (s *RunStore) Save(ctx context.Context, run *RunModel) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Save(run).Error
}

// Finish records the final state and summary of a run
func (s *RunStore) Finish(ctx context.Context, runID, state, riskState, reason, summary string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"state":      state,
		"risk_state": riskState,
		"reason":     reason,
		"summary":    summary,
		"stopped_at": &now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Get loads a run by id
func (s *RunStore) Get(ctx context.Context, runID string) (*RunModel, error) {
	var run RunModel
	if err := s.db.WithContext(ctx).Where("id = ?", runID).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns the most recent runs
func (s *RunStore) List(ctx context.Context, limit int) ([]RunModel, error) {
	var runs []RunModel
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// SaveLevels stores the ladder of a run, replacing levels saved before
func (s *RunStore) SaveLevels(ctx context.Context, runID string, levels []grid.Level) error {
	if len(levels) == 0 {
		return nil
	}
	rows := make([]LevelModel, len(levels))
	for i, lv := range levels {
		rows[i] = LevelModel{
			RunID:       runID,
			LevelIndex:  lv.Index,
			Price:       lv.Price.String(),
			Quantity:    lv.Quantity.String(),
			Intent:      string(lv.Intent),
			InitialSide: string(lv.InitialSide),
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}, {Name: "level_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"price", "quantity", "intent", "initial_side"}),
	}).Create(&rows).Error
}

// Levels loads the ladder of a run ordered by index
func (s *RunStore) Levels(ctx context.Context, runID string) ([]LevelModel, error) {
	var levels []LevelModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("level_index ASC").Find(&levels).Error
	return levels, err
}

// AddEvent appends a lifecycle event
func (s *RunStore) AddEvent(ctx context.Context, runID, kind, message string, at time.Time) error {
	return s.db.WithContext(ctx).Create(&EventModel{
		RunID:     runID,
		EventType: kind,
		EventTime: at.UTC(),
		Message:   message,
	}).Error
}

// Events lifecycle events of a run in insertion order
func (s *RunStore) Events(ctx context.Context, runID string) ([]EventModel, error) {
	var events []EventModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Find(&events).Error
	return events, err
}
