package models

import "time"

// TimeFormat 时间格式（带时区）
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// PreciseTimeFormat 消息排序使用的毫秒精度时间格式（定长，可按字典序比较）
// 只能用于 UTC 时间，见 PreciseTime
const PreciseTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// DateFormat 按天聚合使用的日期键格式
const DateFormat = "2006-01-02"

// CurrentTime 返回当前时间的字符串表示
func CurrentTime() string {
	return time.Now().Format(TimeFormat)
}

// PreciseTime 以 UTC 输出毫秒精度时间，时区不同的写入方之间仍可按字典序排序
func PreciseTime(t time.Time) string {
	return t.UTC().Format(PreciseTimeFormat)
}

// Today 返回当天的日期键（本地时区）
func Today() string {
	return time.Now().Format(DateFormat)
}
