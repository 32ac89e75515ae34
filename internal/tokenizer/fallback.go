package tokenizer

import (
	"sync"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

const preTokenPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

var (
	preTokenRe     *regexp2.Regexp
	preTokenReOnce sync.Once
)

func preTokenizer() *regexp2.Regexp {
	preTokenReOnce.Do(func() {
		preTokenRe = regexp2.MustCompile(preTokenPattern, regexp2.Unicode)
	})
	return preTokenRe
}

// fallbackEstimate 按预分词片段估算 token 数
// 汉字约 1.5 字符/token，其余约 4 字节/token，每个片段至少 1 个 token
func fallbackEstimate(text string) int {
	if text == "" {
		return 0
	}

	re := preTokenizer()
	total := 0
	m, err := re.FindStringMatch(text)
	for err == nil && m != nil {
		total += estimatePiece(m.String())
		m, err = re.FindNextMatch(m)
	}
	if total == 0 {
		// 匹配失败时按长度粗估
		total = (utf8.RuneCountInString(text) + 3) / 4
	}
	return total
}

func estimatePiece(piece string) int {
	var cjk, other int
	for _, r := range piece {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk*2/3 + (other+3)/4
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x20000 && r <= 0x2A6DF:
		return true
	}
	return false
}
