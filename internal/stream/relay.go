package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"chat-relay/internal/logger"
	"chat-relay/internal/models"
)

// ErrSinkClosed 下游写入失败，通常是客户端断开
var ErrSinkClosed = errors.New("下游连接已关闭")

// Sink 接收文本增量
type Sink interface {
	Delta(text string) error
}

// SinkFunc 函数形式的 Sink
type SinkFunc func(text string) error

// Delta 实现 Sink
func (f SinkFunc) Delta(text string) error { return f(text) }

// Result 一次转发的结果
type Result struct {
	Text     string
	Usage    models.Usage
	HasUsage bool
	SawDone  bool
	Deltas   int
	// Err 为空表示流正常结束（EOF 或 [DONE]）
	Err error
}

const readChunkSize = 4096

// Relay 读取上游流，把每个增量实时交给 sink，直到 [DONE]、EOF 或出错
func Relay(ctx context.Context, r io.Reader, sink Sink) Result {
	var (
		res    Result
		text   strings.Builder
		parser = NewLineParser()
		buf    = make([]byte, readChunkSize)
	)

	handle := func(payloads []string) bool {
		for _, payload := range payloads {
			switch ev := Decode(payload).(type) {
			case DeltaEvent:
				if ev.Text == "" {
					continue
				}
				text.WriteString(ev.Text)
				res.Deltas++
				if err := sink.Delta(ev.Text); err != nil {
					res.Err = fmt.Errorf("%w: %v", ErrSinkClosed, err)
					return false
				}
			case CompletedEvent:
				if ev.HasUsage {
					res.Usage = ev.Usage
					res.HasUsage = true
				}
			case DoneEvent:
				res.SawDone = true
				return false
			case UnknownEvent:
				logger.Debug("忽略上游事件: type=%s", ev.Type)
			}
		}
		return true
	}

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		n, err := r.Read(buf)
		if n > 0 && !handle(parser.Feed(buf[:n])) {
			break
		}
		if err == io.EOF {
			handle(parser.Flush())
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.Err = ctxErr
			} else {
				res.Err = fmt.Errorf("读取上游流失败: %w", err)
			}
			break
		}
	}

	res.Text = text.String()
	return res
}
