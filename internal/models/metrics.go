package models

// 流量维度
const (
	TrafficDevice = "device"
	TrafficRegion = "region"
	TrafficSource = "source"
)

// TrafficSourceDirect 固定的来源键
const TrafficSourceDirect = "direct"

// DailyMetric 每日聚合指标，每个日期一行
type DailyMetric struct {
	MetricDate     string  `gorm:"column:metric_date;primaryKey;size:10" json:"date"`
	TotalRequests  int64   `gorm:"column:total_requests;default:0" json:"total_requests"`
	AvgLatencyMs   float64 `gorm:"column:avg_latency_ms;default:0" json:"avg_latency_ms"`
	TokenTotal     int64   `gorm:"column:token_total;default:0" json:"token_total"`
	ConcurrentPeak int     `gorm:"column:concurrent_peak;default:0" json:"concurrent_peak"`
}

// TableName 指定表名
func (DailyMetric) TableName() string {
	return "daily_metrics"
}

// TrafficMetric 按维度统计的流量计数
type TrafficMetric struct {
	MetricDate string `gorm:"column:metric_date;primaryKey;size:10" json:"date"`
	Dimension  string `gorm:"primaryKey;size:20" json:"dimension"`
	MetricKey  string `gorm:"column:metric_key;primaryKey;size:100" json:"key"`
	Hits       int64  `gorm:"default:0" json:"count"`
}

// TableName 指定表名
func (TrafficMetric) TableName() string {
	return "traffic_metrics"
}

// KeywordMetric 用户消息关键词频次
type KeywordMetric struct {
	MetricDate string `gorm:"column:metric_date;primaryKey;size:10" json:"date"`
	Keyword    string `gorm:"primaryKey;size:64" json:"keyword"`
	Hits       int64  `gorm:"default:0" json:"count"`
}

// TableName 指定表名
func (KeywordMetric) TableName() string {
	return "keyword_metrics"
}
