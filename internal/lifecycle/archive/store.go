// Package archive persists retired agents to a local sqlite database so
// successful genomes survive the process.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// RetiredAgentRecord is the write-once row stored per retired agent.
type RetiredAgentRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	AgentID      string `gorm:"uniqueIndex;size:36"`
	Name         string `gorm:"size:64"`
	Generation   int
	BirthCycle   int64
	RetiredCycle int64
	Reason       string `gorm:"size:16"` // age | awards
	Awards       int
	FinalBalance string `gorm:"size:64"` // decimal string
	ROI          float64
	ProfitFactor float64
	Genome       string `gorm:"type:text"` // json-encoded parameters
	CreatedAt    time.Time
}

// Store is the sqlite-backed retirement archive.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the archive database and migrates its schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	if err := db.AutoMigrate(&RetiredAgentRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("archive")}, nil
}

// Append inserts one retirement record. Records are never updated or deleted.
func (s *Store) Append(rec *RetiredAgentRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to archive agent %s: %w", rec.AgentID, err)
	}
	s.logger.Info("agent archived",
		zap.String("agent_id", rec.AgentID),
		zap.String("name", rec.Name),
		zap.String("reason", rec.Reason),
		zap.Int("awards", rec.Awards))
	return nil
}

// List returns all archived agents in retirement order.
func (s *Store) List() ([]RetiredAgentRecord, error) {
	var recs []RetiredAgentRecord
	if err := s.db.Order("id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	return recs, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EncodeGenome serializes a genome for storage.
func EncodeGenome(genome map[string]float64) string {
	b, err := json.Marshal(genome)
	if err != nil {
		return "{}"
	}
	return string(b)
}
