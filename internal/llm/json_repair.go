package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats tracks what a repair pass did to a model reply.
type RepairStats struct {
	OriginalBytes int           `json:"original_bytes"`
	RepairedBytes int           `json:"repaired_bytes"`
	CommentsLost  int           `json:"comments_lost"`
	ErrorsFixed   int           `json:"errors_fixed"`
	RepairTime    time.Duration `json:"repair_time"`
	Strategies    []string      `json:"strategies"`
	WasRepaired   bool          `json:"was_repaired"`
}

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]`)
	blockComment        = regexp.MustCompile(`(?s)/\*.*?\*/`)
	unquotedKey         = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
)

// RepairJSON attempts to turn an almost-JSON model reply into valid JSON.
// Strategies run in order:
//  1. JavaScript-style comments
//  2. trailing commas
//  3. truncated objects/arrays
//  4. unquoted keys
//  5. the jsonrepair library as a fallback
//
// Valid input is returned untouched.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	finish := func(out string) RepairStats {
		stats.RepairedBytes = len(out)
		stats.RepairTime = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, finish(raw), nil
	}

	stats.WasRepaired = true
	repaired := raw

	if strings.Contains(repaired, "//") || strings.Contains(repaired, "/*") {
		cleaned, lost := removeComments(repaired)
		if cleaned != repaired {
			repaired = cleaned
			stats.CommentsLost = lost
			stats.Strategies = append(stats.Strategies, "comments_removed")
			stats.ErrorsFixed++
		}
	}

	if trailingCommaObject.MatchString(repaired) || trailingCommaArray.MatchString(repaired) {
		repaired = trailingCommaObject.ReplaceAllString(repaired, "}")
		repaired = trailingCommaArray.ReplaceAllString(repaired, "]")
		stats.Strategies = append(stats.Strategies, "trailing_commas")
		stats.ErrorsFixed++
	}

	if completed := completeJSON(repaired); completed != strings.TrimSpace(repaired) {
		repaired = completed
		stats.Strategies = append(stats.Strategies, "completion")
		stats.ErrorsFixed++
	}

	if !json.Valid([]byte(repaired)) && unquotedKey.MatchString(repaired) {
		quoted := unquotedKey.ReplaceAllString(repaired, `$1"$2"$3`)
		if quoted != repaired {
			repaired = quoted
			stats.Strategies = append(stats.Strategies, "key_quotes")
			stats.ErrorsFixed++
		}
	}

	if !json.Valid([]byte(repaired)) {
		if fixed, err := jsonrepair.JSONRepair(repaired); err == nil && fixed != repaired {
			repaired = fixed
			stats.Strategies = append(stats.Strategies, "jsonrepair_library")
			stats.ErrorsFixed++
		}
	}

	if !json.Valid([]byte(repaired)) {
		return repaired, finish(repaired), fmt.Errorf("JSON repair failed after %d strategies", len(stats.Strategies))
	}
	return repaired, finish(repaired), nil
}

// completeJSON closes unbalanced objects and arrays in LIFO order. Brackets
// inside string literals are ignored.
func completeJSON(s string) string {
	s = strings.TrimSpace(s)
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// removeComments strips // line comments and /* */ block comments outside of
// string literals and reports how many were removed.
func removeComments(s string) (string, int) {
	removed := 0
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if idx := lineCommentIndex(line); idx >= 0 {
			lines[i] = line[:idx]
			removed++
		}
	}
	s = strings.Join(lines, "\n")

	blocks := blockComment.FindAllString(s, -1)
	removed += len(blocks)
	return blockComment.ReplaceAllString(s, ""), removed
}

func lineCommentIndex(line string) int {
	inString, escaped := false, false
	for i := 0; i < len(line)-1; i++ {
		c := line[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if c == '/' && line[i+1] == '/' {
			return i
		}
	}
	return -1
}
