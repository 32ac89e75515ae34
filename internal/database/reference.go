package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-relay/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListModerationWords 返回完整审核词表
func (db *DB) ListModerationWords(ctx context.Context) ([]*models.ModerationWord, error) {
	var words []*models.ModerationWord
	if err := db.gorm.WithContext(ctx).Order("id ASC").Find(&words).Error; err != nil {
		return nil, fmt.Errorf("查询审核词失败: %w", err)
	}
	return words, nil
}

// AddModerationWords 批量添加审核词，已存在的跳过
func (db *DB) AddModerationWords(ctx context.Context, words []string) (int64, error) {
	now := models.CurrentTime()
	rows := make([]*models.ModerationWord, 0, len(words))
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		rows = append(rows, &models.ModerationWord{Word: w, CreatedAt: now})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	result := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if result.Error != nil {
		return 0, fmt.Errorf("添加审核词失败: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteModerationWord 删除审核词
func (db *DB) DeleteModerationWord(ctx context.Context, id int64) error {
	return db.gorm.WithContext(ctx).Delete(&models.ModerationWord{}, id).Error
}

// GetModelMapping 查询等级映射的模型，未配置时返回空字符串
func (db *DB) GetModelMapping(ctx context.Context, tier models.Tier) (string, error) {
	var mapping models.ModelMapping
	err := db.gorm.WithContext(ctx).Where("tier = ?", string(tier)).First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("查询模型映射失败: %w", err)
	}
	return mapping.Model, nil
}

// ListModelMappings 列出所有模型映射
func (db *DB) ListModelMappings(ctx context.Context) ([]*models.ModelMapping, error) {
	var mappings []*models.ModelMapping
	err := db.gorm.WithContext(ctx).Order("tier ASC").Find(&mappings).Error
	return mappings, err
}

// SetModelMappings 写入模型映射，model 为空表示删除该等级的映射
func (db *DB) SetModelMappings(ctx context.Context, mappings map[string]string) error {
	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := models.CurrentTime()
		for tier, model := range mappings {
			if _, ok := models.ParseTier(tier); !ok || tier == "" {
				return fmt.Errorf("未知等级: %s", tier)
			}
			if model == "" {
				if err := tx.Where("tier = ?", tier).Delete(&models.ModelMapping{}).Error; err != nil {
					return err
				}
				continue
			}
			row := &models.ModelMapping{Tier: tier, Model: model, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tier"}},
				DoUpdates: clause.AssignmentColumns([]string{"model", "updated_at"}),
			}).Create(row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPromptCharLimit 查询等级的字符预算，未配置时返回 0
func (db *DB) GetPromptCharLimit(ctx context.Context, tier models.Tier) (int, error) {
	var limit models.PromptCharLimit
	err := db.gorm.WithContext(ctx).Where("tier = ?", string(tier)).First(&limit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("查询字符预算失败: %w", err)
	}
	return limit.MaxChars, nil
}

// ListPromptCharLimits 列出所有字符预算
func (db *DB) ListPromptCharLimits(ctx context.Context) ([]*models.PromptCharLimit, error) {
	var limits []*models.PromptCharLimit
	err := db.gorm.WithContext(ctx).Order("tier ASC").Find(&limits).Error
	return limits, err
}

// SetPromptCharLimits 写入字符预算，值小于等于 0 表示恢复默认
func (db *DB) SetPromptCharLimits(ctx context.Context, limits map[string]int) error {
	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := models.CurrentTime()
		for tier, maxChars := range limits {
			if _, ok := models.ParseTier(tier); !ok || tier == "" {
				return fmt.Errorf("未知等级: %s", tier)
			}
			if maxChars <= 0 {
				if err := tx.Where("tier = ?", tier).Delete(&models.PromptCharLimit{}).Error; err != nil {
					return err
				}
				continue
			}
			row := &models.PromptCharLimit{Tier: tier, MaxChars: maxChars, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tier"}},
				DoUpdates: clause.AssignmentColumns([]string{"max_chars", "updated_at"}),
			}).Create(row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPersona 查询人设，不存在时返回 nil, nil
func (db *DB) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var persona models.Persona
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&persona).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询人设失败: %w", err)
	}
	return &persona, nil
}

// ListPersonas 列出所有人设
func (db *DB) ListPersonas(ctx context.Context) ([]*models.Persona, error) {
	var personas []*models.Persona
	err := db.gorm.WithContext(ctx).Order("created_at ASC").Find(&personas).Error
	return personas, err
}

// CreatePersona 创建人设
func (db *DB) CreatePersona(ctx context.Context, req *models.PersonaCreate) (*models.Persona, error) {
	persona := &models.Persona{
		ID:           req.ID,
		Name:         req.Name,
		Instructions: req.Instructions,
		CreatedAt:    models.CurrentTime(),
	}
	if persona.ID == "" {
		persona.ID = uuid.New().String()
	}
	if err := db.gorm.WithContext(ctx).Create(persona).Error; err != nil {
		return nil, fmt.Errorf("创建人设失败: %w", err)
	}
	return persona, nil
}

// DeletePersona 删除人设
func (db *DB) DeletePersona(ctx context.Context, id string) error {
	return db.gorm.WithContext(ctx).Where("id = ?", id).Delete(&models.Persona{}).Error
}
