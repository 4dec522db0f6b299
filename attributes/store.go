// Package attributes enriches listed assets with externally sourced
// attribute documents and answers attribute search queries.
package attributes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hashmarket/market"
	"hashmarket/models"
)

// Store persists load tasks and attribute sets. The load queue lives in the
// database so queued work survives restarts and is shared across replicas.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Enqueue records an asset for enrichment. Re-enqueueing an asset already
// queued is a no-op.
func (s *Store) Enqueue(ctx context.Context, tokenID string, serialNumber int64) error {
	task := models.AttributeLoadTask{
		TokenID:      tokenID,
		SerialNumber: serialNumber,
		CreatedAt:    s.now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&task).Error
	if err != nil {
		return fmt.Errorf("enqueue attribute load %s/%d: %w", tokenID, serialNumber, err)
	}
	return nil
}

// Claim locks up to limit unclaimed tasks and returns them.
func (s *Store) Claim(ctx context.Context, limit int) ([]models.AttributeLoadTask, error) {
	var tasks []models.AttributeLoadTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("locked = ?", false).Order("id").Limit(limit).Find(&tasks).Error; err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		ids := make([]int64, len(tasks))
		for i, task := range tasks {
			ids[i] = task.ID
		}
		return tx.Model(&models.AttributeLoadTask{}).Where("id IN ?", ids).Update("locked", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim attribute load tasks: %w", err)
	}
	return tasks, nil
}

// Release unlocks a task after a failed load so a later pass retries it.
func (s *Store) Release(ctx context.Context, taskID int64) error {
	err := s.db.WithContext(ctx).Model(&models.AttributeLoadTask{}).
		Where("id = ?", taskID).Update("locked", false).Error
	if err != nil {
		return fmt.Errorf("release attribute load task %d: %w", taskID, err)
	}
	return nil
}

// Complete removes a finished task.
func (s *Store) Complete(ctx context.Context, taskID int64) error {
	err := s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&models.AttributeLoadTask{}).Error
	if err != nil {
		return fmt.Errorf("complete attribute load task %d: %w", taskID, err)
	}
	return nil
}

// Save replaces the asset's attribute set.
func (s *Store) Save(ctx context.Context, tokenID string, serialNumber int64, attrs map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.TokenAttributeSet
		err := tx.Where("token_id = ? AND serial_number = ?", tokenID, serialNumber).First(&existing).Error
		if err == nil {
			if err := tx.Where("set_id = ?", existing.ID).Delete(&models.TokenAttribute{}).Error; err != nil {
				return fmt.Errorf("clear attributes: %w", err)
			}
			if err := tx.Delete(&existing).Error; err != nil {
				return fmt.Errorf("clear attribute set: %w", err)
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load attribute set: %w", err)
		}
		set := models.TokenAttributeSet{
			TokenID:      tokenID,
			SerialNumber: serialNumber,
			LoadedAt:     s.now(),
		}
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			set.Attributes = append(set.Attributes, models.TokenAttribute{Name: name, Value: attrs[name]})
		}
		if err := tx.Create(&set).Error; err != nil {
			return fmt.Errorf("save attribute set: %w", err)
		}
		return nil
	})
}

// Find returns the assets whose attribute sets match every criterion. A
// criterion matches when the set carries the named attribute with any of
// the wanted values; the intersection across criteria is taken by counting
// distinct matched names per set.
func (s *Store) Find(ctx context.Context, criteria map[string][]string) ([]market.Nft, error) {
	if len(criteria) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(criteria))
	for name := range criteria {
		names = append(names, name)
	}
	sort.Strings(names)

	var conds []string
	var args []interface{}
	for _, name := range names {
		conds = append(conds, "(a.name = ? AND a.value IN ?)")
		args = append(args, name, criteria[name])
	}
	query := fmt.Sprintf(`
		SELECT s.token_id, s.serial_number
		FROM token_attribute_sets s
		JOIN token_attributes a ON a.set_id = s.id
		WHERE %s
		GROUP BY s.id, s.token_id, s.serial_number
		HAVING COUNT(DISTINCT a.name) = ?
		ORDER BY s.token_id, s.serial_number`,
		strings.Join(conds, " OR "))
	args = append(args, len(criteria))

	var rows []struct {
		TokenID      string
		SerialNumber int64
	}
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("attribute search: %w", err)
	}
	out := make([]market.Nft, 0, len(rows))
	for _, row := range rows {
		out = append(out, market.Nft{TokenID: row.TokenID, SerialNumber: row.SerialNumber})
	}
	return out, nil
}
