// Package gormstore persists execution history: run outcomes, health
// transitions and lifecycle events, in one sqlite file.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	storemodel "ambush/internal/store/model"
)

type outcomeModel = storemodel.ExecutionOutcomeModel
type transitionModel = storemodel.HealthTransitionModel
type eventLogModel = storemodel.EventLogModel

// OutcomeRecord is one operation's result from one engine run.
type OutcomeRecord struct {
	RunID        string
	Profile      string
	Network      string
	OperationID  string
	TargetID     string
	Success      bool
	TxID         string
	AmountOut    string
	ErrorMessage string
	ElapsedMs    int64
	Attempts     int
	Result       map[string]any
	CreatedAt    time.Time
}

// TransitionRecord is one online/offline edge.
type TransitionRecord struct {
	Network        string
	Online         bool
	PreviousOnline bool
	LatencyMs      int64
	Failures       int
	At             time.Time
}

// EventRecord is one lifecycle event from the monitor, engine or controller.
type EventRecord struct {
	ID          string
	Source      string
	Kind        string
	OperationID string
	Payload     map[string]any
	CreatedAt   time.Time
}

// Store implements history storage using Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

// NewStore opens or creates the history database.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history store path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// DriverName "sqlite" is the pure-Go modernc driver (the _pragma DSN
	// syntax above is its convention); the dialector's default "sqlite3"
	// driver needs cgo, which CGO_ENABLED=0 builds don't have.
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&outcomeModel{}, &transitionModel{}, &eventLogModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for concurrent HTTP reads while
	// keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendOutcomes stores one engine run's outcomes in a single batch.
func (s *Store) AppendOutcomes(ctx context.Context, recs []OutcomeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store not initialized")
	}
	if len(recs) == 0 {
		return nil
	}
	now := time.Now()
	models := make([]outcomeModel, 0, len(recs))
	for _, rec := range recs {
		models = append(models, newOutcomeModel(rec, now))
	}
	return s.db.WithContext(ctx).Create(&models).Error
}

// ListOutcomes returns the newest outcomes, optionally filtered by profile.
func (s *Store) ListOutcomes(ctx context.Context, profile string, limit int) ([]OutcomeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&outcomeModel{})
	if p := strings.TrimSpace(profile); p != "" {
		query = query.Where("profile = ?", p)
	}
	var models []outcomeModel
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]OutcomeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, outcomeModelToRecord(m))
	}
	return out, nil
}

// AppendTransition stores one online/offline edge.
func (s *Store) AppendTransition(ctx context.Context, rec TransitionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store not initialized")
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	model := transitionModel{
		Network:        strings.ToLower(strings.TrimSpace(rec.Network)),
		Online:         boolToInt(rec.Online),
		PreviousOnline: boolToInt(rec.PreviousOnline),
		LatencyMs:      rec.LatencyMs,
		Failures:       rec.Failures,
		AtMs:           at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListTransitions returns the newest transitions, optionally filtered by
// network.
func (s *Store) ListTransitions(ctx context.Context, network string, limit int) ([]TransitionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&transitionModel{})
	if n := strings.ToLower(strings.TrimSpace(network)); n != "" {
		query = query.Where("network = ?", n)
	}
	var models []transitionModel
	if err := query.
		Order("at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TransitionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, TransitionRecord{
			Network:        m.Network,
			Online:         m.Online != 0,
			PreviousOnline: m.PreviousOnline != 0,
			LatencyMs:      m.LatencyMs,
			Failures:       m.Failures,
			At:             time.UnixMilli(m.AtMs),
		})
	}
	return out, nil
}

// AppendEvent stores one lifecycle event. A missing ID gets a fresh uuid.
func (s *Store) AppendEvent(ctx context.Context, rec EventRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store not initialized")
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	payload, _ := json.Marshal(rec.Payload)
	model := eventLogModel{
		EventID:     id,
		Source:      strings.TrimSpace(rec.Source),
		Kind:        strings.TrimSpace(rec.Kind),
		OperationID: strings.TrimSpace(rec.OperationID),
		Payload:     datatypes.JSON(payload),
		CreatedAtMs: at.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListEvents returns events after since in chronological order.
func (s *Store) ListEvents(ctx context.Context, since time.Time, limit int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Limit(limit)
	if !since.IsZero() {
		query = query.Where("created_at > ?", since.UnixMilli())
	}
	var models []eventLogModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]EventRecord, 0, len(models))
	for _, m := range models {
		var payload map[string]any
		if len(m.Payload) > 0 {
			_ = json.Unmarshal(m.Payload, &payload)
		}
		out = append(out, EventRecord{
			ID:          m.EventID,
			Source:      m.Source,
			Kind:        m.Kind,
			OperationID: m.OperationID,
			Payload:     payload,
			CreatedAt:   time.UnixMilli(m.CreatedAtMs),
		})
	}
	return out, nil
}

// --------------------------- Model Helpers ------------------------------

func newOutcomeModel(rec OutcomeRecord, now time.Time) outcomeModel {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	var result datatypes.JSON
	if len(rec.Result) > 0 {
		raw, _ := json.Marshal(rec.Result)
		result = datatypes.JSON(raw)
	}
	return outcomeModel{
		RunID:        strings.TrimSpace(rec.RunID),
		Profile:      strings.TrimSpace(rec.Profile),
		Network:      strings.ToLower(strings.TrimSpace(rec.Network)),
		OperationID:  strings.TrimSpace(rec.OperationID),
		TargetID:     strings.TrimSpace(rec.TargetID),
		Success:      boolToInt(rec.Success),
		TxID:         strings.TrimSpace(rec.TxID),
		AmountOut:    strings.TrimSpace(rec.AmountOut),
		ErrorMessage: rec.ErrorMessage,
		ElapsedMs:    rec.ElapsedMs,
		Attempts:     rec.Attempts,
		Result:       result,
		CreatedAtMs:  rec.CreatedAt.UnixMilli(),
	}
}

func outcomeModelToRecord(m outcomeModel) OutcomeRecord {
	var result map[string]any
	if len(m.Result) > 0 {
		_ = json.Unmarshal(m.Result, &result)
	}
	return OutcomeRecord{
		RunID:        m.RunID,
		Profile:      m.Profile,
		Network:      m.Network,
		OperationID:  m.OperationID,
		TargetID:     m.TargetID,
		Success:      m.Success != 0,
		TxID:         m.TxID,
		AmountOut:    m.AmountOut,
		ErrorMessage: m.ErrorMessage,
		ElapsedMs:    m.ElapsedMs,
		Attempts:     m.Attempts,
		Result:       result,
		CreatedAt:    time.UnixMilli(m.CreatedAtMs),
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
