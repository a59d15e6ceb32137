package capture

import (
	"fmt"
	"regexp"
	"strings"
)

// Watch selects what CheckKeyword waits for. Exactly one of Keyword (plain
// substring) or Pattern (regular expression) must be set.
type Watch struct {
	Keyword string
	Pattern string
}

type matcher func(text string) (string, bool)

func (w Watch) String() string {
	if strings.TrimSpace(w.Keyword) != "" {
		return fmt.Sprintf("keyword %q", w.Keyword)
	}
	return fmt.Sprintf("pattern %q", w.Pattern)
}

func (w Watch) compile() (matcher, error) {
	hasKeyword := strings.TrimSpace(w.Keyword) != ""
	hasPattern := strings.TrimSpace(w.Pattern) != ""

	switch {
	case hasKeyword && !hasPattern:
		keyword := w.Keyword
		return func(text string) (string, bool) {
			if strings.Contains(text, keyword) {
				return keyword, true
			}
			return "", false
		}, nil
	case hasPattern && !hasKeyword:
		re, err := regexp.Compile(w.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		return func(text string) (string, bool) {
			loc := re.FindStringIndex(text)
			if loc == nil {
				return "", false
			}
			return text[loc[0]:loc[1]], true
		}, nil
	default:
		return nil, ErrInvalidWatch
	}
}
