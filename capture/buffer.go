package capture

import "strings"

// logBuffer holds the views fed from the session's chunk channel. The temp and
// keyword views are only written while open.
type logBuffer struct {
	log     strings.Builder
	temp    *strings.Builder
	keyword *strings.Builder
}

func (b *logBuffer) reset() {
	b.log.Reset()
	b.temp = nil
	b.keyword = nil
}

func (b *logBuffer) write(chunk []byte) {
	b.log.Write(chunk)

	if b.temp != nil {
		b.temp.Write(chunk)
	}

	if b.keyword != nil {
		b.keyword.Write(chunk)
	}
}

// takeLog returns the full view and clears it.
func (b *logBuffer) takeLog() string {
	text := b.log.String()
	b.log.Reset()
	return text
}

func (b *logBuffer) openTemp() {
	if b.temp == nil {
		b.temp = &strings.Builder{}
	}
}

// takeTemp returns the temp view and clears it, leaving the window open.
func (b *logBuffer) takeTemp() string {
	if b.temp == nil {
		return ""
	}

	text := b.temp.String()
	b.temp.Reset()
	return text
}

func (b *logBuffer) closeTemp() {
	b.temp = nil
}

func (b *logBuffer) openKeyword() {
	b.keyword = &strings.Builder{}
}

func (b *logBuffer) keywordText() (string, bool) {
	if b.keyword == nil {
		return "", false
	}

	return b.keyword.String(), true
}

func (b *logBuffer) closeKeyword() {
	b.keyword = nil
}
