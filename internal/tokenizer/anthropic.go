package tokenizer

import (
	"sync"

	tokenizer "github.com/qhenkart/anthropic-tokenizer-go"
)

var (
	anthropicTokenizer     *tokenizer.Tokenizer
	anthropicTokenizerOnce sync.Once
	anthropicTokenizerErr  error
)

// GetAnthropicTokenizer 返回 Anthropic tokenizer 单例
func GetAnthropicTokenizer() (*tokenizer.Tokenizer, error) {
	anthropicTokenizerOnce.Do(func() {
		anthropicTokenizer, anthropicTokenizerErr = tokenizer.New()
	})
	return anthropicTokenizer, anthropicTokenizerErr
}

// countBPE 使用 BPE 词表计数，词表加载失败时回退到预分词估算
func countBPE(text string) int {
	if text == "" {
		return 0
	}
	t, err := GetAnthropicTokenizer()
	if err != nil {
		return fallbackEstimate(text)
	}
	return t.Tokens(text)
}
