package channel

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ReadString returns the first non-empty value among keys, stringified.
func ReadString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case fmt.Stringer:
			s = v.String()
		default:
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// ReadBool interprets the first present key as a boolean.
func ReadBool(raw map[string]any, keys ...string) bool {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case bool:
			return v
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			return err == nil && parsed
		}
	}
	return false
}

// ReadStringList accepts a []string, []any, or comma-separated string.
func ReadStringList(raw map[string]any, keys ...string) []string {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		var items []string
		switch v := value.(type) {
		case []string:
			items = v
		case []any:
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
		case string:
			items = strings.Split(v, ",")
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// SummarizeText truncates text for log fields.
func SummarizeText(text string) string {
	const limit = 120
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
