package database

import (
	"context"
	"errors"
	"fmt"

	"chat-relay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordDailyMetric 累加当日聚合指标
// 平均延迟按加权滑动均值计算，并发峰值只做下限 1 的处理
func (db *DB) RecordDailyMetric(ctx context.Context, date string, latencyMs int64, tokens int) error {
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			seed := &models.DailyMetric{MetricDate: date}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
				return err
			}
			// gorm 按列名排序生成 SET，avg_latency_ms 排在 total_requests 之前，MySQL 从左到右求值时也读到旧计数
			return tx.Model(&models.DailyMetric{}).Where("metric_date = ?", date).Updates(map[string]interface{}{
				"avg_latency_ms":  gorm.Expr("(avg_latency_ms * total_requests + ?) / (total_requests + 1)", float64(latencyMs)),
				"total_requests":  gorm.Expr("total_requests + 1"),
				"token_total":     gorm.Expr("token_total + ?", tokens),
				"concurrent_peak": gorm.Expr("CASE WHEN concurrent_peak < 1 THEN 1 ELSE concurrent_peak END"),
			}).Error
		})
	})
}

// GetDailyMetric 查询某日聚合指标，不存在时返回零值记录
func (db *DB) GetDailyMetric(ctx context.Context, date string) (*models.DailyMetric, error) {
	var metric models.DailyMetric
	err := db.gorm.WithContext(ctx).Where("metric_date = ?", date).First(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &models.DailyMetric{MetricDate: date}, nil
		}
		return nil, fmt.Errorf("查询每日指标失败: %w", err)
	}
	return &metric, nil
}

// IncrementTraffic 流量维度计数加一
func (db *DB) IncrementTraffic(ctx context.Context, date, dimension, key string) error {
	row := &models.TrafficMetric{MetricDate: date, Dimension: dimension, MetricKey: key, Hits: 1}
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "metric_date"}, {Name: "dimension"}, {Name: "metric_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"hits": gorm.Expr("hits + 1")}),
		}).Create(row).Error
	})
}

// GetTraffic 查询某日流量分布
func (db *DB) GetTraffic(ctx context.Context, date string) ([]*models.TrafficMetric, error) {
	var rows []*models.TrafficMetric
	err := db.gorm.WithContext(ctx).Where("metric_date = ?", date).
		Order("dimension ASC, hits DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询流量指标失败: %w", err)
	}
	return rows, nil
}

// IncrementKeywords 关键词计数加一，同一批内重复的词各计一次
func (db *DB) IncrementKeywords(ctx context.Context, date string, keywords []string) error {
	if len(keywords) == 0 {
		return nil
	}
	return db.RetryOnLock(ctx, writeRetries, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, kw := range keywords {
				row := &models.KeywordMetric{MetricDate: date, Keyword: kw, Hits: 1}
				err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "metric_date"}, {Name: "keyword"}},
					DoUpdates: clause.Assignments(map[string]interface{}{"hits": gorm.Expr("hits + 1")}),
				}).Create(row).Error
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// GetTopKeywords 查询某日高频关键词
func (db *DB) GetTopKeywords(ctx context.Context, date string, limit int) ([]*models.KeywordMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []*models.KeywordMetric
	err := db.gorm.WithContext(ctx).Where("metric_date = ?", date).
		Order("hits DESC, keyword ASC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询关键词指标失败: %w", err)
	}
	return rows, nil
}
