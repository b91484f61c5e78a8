// Package store keeps scored results in SQLite so runs can be compared
// without re-reading CSV files.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forPelevin/s2steval/internal/types"
)

type Run struct {
	ID             string `gorm:"primaryKey;size:36"`
	Mode           string
	Seed           int64
	SourceLanguage string
	TargetLanguage string
	Entries        int
	Scored         int
	StartedAt      time.Time
	FinishedAt     time.Time
}

type Result struct {
	ID              uint   `gorm:"primaryKey"`
	RunID           string `gorm:"index;size:36"`
	SubjectID       string `gorm:"index"`
	Duration        float64
	SimilarityScore float64
	SourceText      string
	TargetText      string
	TranscribedText string
	LengthRatio     float64
	OutputAudioPath string
}

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open results db: %w", err)
	}
	if err := db.AutoMigrate(&Run{}, &Result{}); err != nil {
		return nil, fmt.Errorf("migrate results db: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun stores the run row and all of its results in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, records []types.ResultRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run.Scored = len(records)
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		if len(records) == 0 {
			return nil
		}
		rows := make([]Result, 0, len(records))
		for _, r := range records {
			rows = append(rows, Result{
				RunID:           run.ID,
				SubjectID:       r.SubjectID,
				Duration:        r.Duration,
				SimilarityScore: r.SimilarityScore,
				SourceText:      r.SourceText,
				TargetText:      r.TargetText,
				TranscribedText: r.TranscribedText,
				LengthRatio:     r.LengthRatio,
				OutputAudioPath: r.OutputAudioPath,
			})
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("save results: %w", err)
		}
		return nil
	})
}

func (s *Store) Results(ctx context.Context, runID string) ([]types.ResultRecord, error) {
	var rows []Result
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.ResultRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.ResultRecord{
			SubjectID:       r.SubjectID,
			Duration:        r.Duration,
			SimilarityScore: r.SimilarityScore,
			SourceText:      r.SourceText,
			TargetText:      r.TargetText,
			TranscribedText: r.TranscribedText,
			LengthRatio:     r.LengthRatio,
			OutputAudioPath: r.OutputAudioPath,
		})
	}
	return out, nil
}

// DurationMean is the average score of one reference duration within a run.
type DurationMean struct {
	Duration float64
	N        int
	Mean     float64
}

func (s *Store) MeanByDuration(ctx context.Context, runID string) ([]DurationMean, error) {
	var out []DurationMean
	err := s.db.WithContext(ctx).Model(&Result{}).
		Select("duration, count(*) as n, avg(similarity_score) as mean").
		Where("run_id = ?", runID).
		Group("duration").
		Order("duration").
		Scan(&out).Error
	return out, err
}
