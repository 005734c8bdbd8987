// Package snapshot keeps named sets of keyed blobs in one SQL table. Each
// set is written wholesale and read back whole.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrEmptyStore = errors.New("snapshot: store name is required")

type Record struct {
	Store     string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:191"`
	Value     []byte
	UpdatedAt time.Time
}

func (Record) TableName() string { return "snapshot_records" }

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Record{})
}

// Load returns every record of store. A store never written reads as empty.
func (r *Repo) Load(ctx context.Context, store string) (map[string][]byte, error) {
	if store == "" {
		return nil, ErrEmptyStore
	}
	var rows []Record
	if err := r.db.WithContext(ctx).
		Where("store = ?", store).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load %s: %w", store, err)
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}

// Replace swaps the contents of store for records in one transaction.
func (r *Repo) Replace(ctx context.Context, store string, records map[string][]byte) error {
	if store == "" {
		return ErrEmptyStore
	}
	now := time.Now()
	rows := make([]Record, 0, len(records))
	for k, v := range records {
		rows = append(rows, Record{Store: store, Key: k, Value: v, UpdatedAt: now})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store = ?", store).Delete(&Record{}).Error; err != nil {
			return fmt.Errorf("clear %s: %w", store, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("write %s: %w", store, err)
		}
		return nil
	})
}

// Stores lists the names that currently hold at least one record.
func (r *Repo) Stores(ctx context.Context) ([]string, error) {
	var names []string
	if err := r.db.WithContext(ctx).
		Model(&Record{}).
		Distinct("store").
		Order("store").
		Pluck("store", &names).Error; err != nil {
		return nil, err
	}
	return names, nil
}
