package conditions

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultMaxOutputBytes bounds the tool output kept per condition status.
const DefaultMaxOutputBytes = 4 * 1024

const (
	headRatio = 0.7 // keep 70% from the beginning
	tailRatio = 0.2 // keep 20% from the end, where test runners print summaries
)

// TruncateOutput keeps the head and tail of s within maxBytes, cutting on rune
// boundaries and marking the elided middle.
func TruncateOutput(s string, maxBytes int) string {
	s = strings.ToValidUTF8(s, "")
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}

	headLen := int(float64(maxBytes) * headRatio)
	tailLen := int(float64(maxBytes) * tailRatio)
	for headLen > 0 && !utf8.RuneStart(s[headLen]) {
		headLen--
	}
	tailStart := len(s) - tailLen
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}

	marker := fmt.Sprintf("\n...[truncated %d bytes]...\n", tailStart-headLen)
	return s[:headLen] + marker + s[tailStart:]
}

// BoundedBuffer collects process output up to a hard cap so a noisy tool
// cannot grow memory without limit.
type BoundedBuffer struct {
	buf     []byte
	limit   int
	dropped int
}

func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.dropped += len(p) - room
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *BoundedBuffer) String() string {
	if b.dropped == 0 {
		return string(b.buf)
	}
	return string(b.buf) + fmt.Sprintf("\n...[%d bytes dropped]", b.dropped)
}
