// Package stream 解析上游 SSE 流并构造下游事件帧
package stream

import (
	"bytes"
	"strings"
)

// LineParser 上游 SSE 行解析器
// 跨块的半行保留在缓冲区，等待下一块补齐
type LineParser struct {
	buffer []byte
}

// NewLineParser 创建行解析器
func NewLineParser() *LineParser {
	return &LineParser{buffer: make([]byte, 0, 4096)}
}

// Feed 追加数据并返回所有完整 data 行的负载
func (p *LineParser) Feed(chunk []byte) []string {
	p.buffer = append(p.buffer, chunk...)

	var payloads []string
	for {
		idx := bytes.IndexByte(p.buffer, '\n')
		if idx < 0 {
			break
		}
		line := p.buffer[:idx]
		p.buffer = p.buffer[idx+1:]
		if payload, ok := dataPayload(line); ok {
			payloads = append(payloads, payload)
		}
	}
	if len(p.buffer) == 0 {
		// 复用底层数组
		p.buffer = p.buffer[:0]
	}
	return payloads
}

// Flush 流结束时处理最后一行未以换行结尾的数据
func (p *LineParser) Flush() []string {
	if len(p.buffer) == 0 {
		return nil
	}
	line := p.buffer
	p.buffer = p.buffer[:0]
	if payload, ok := dataPayload(line); ok {
		return []string{payload}
	}
	return nil
}

// Pending 返回尚未组成完整行的剩余数据
func (p *LineParser) Pending() string {
	return string(p.buffer)
}

// dataPayload 提取 data: 行的负载，其他行（event:、注释、空行）忽略
func dataPayload(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return "", false
	}
	payload := strings.TrimSpace(string(line[len("data:"):]))
	if payload == "" {
		return "", false
	}
	return payload, true
}
