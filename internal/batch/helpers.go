package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// normalizePhone strips formatting characters from a phone number
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// decodeStrict decodes a JSON configuration, rejecting unknown fields
func decodeStrict(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &ValidationError{Message: "malformed configuration: " + err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return &ValidationError{Message: "malformed configuration: trailing data"}
	}
	return nil
}

// uniqueIDs trims and de-duplicates ids keeping first-seen order
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// cleanTags trims, drops empties and de-duplicates tags keeping order
func cleanTags(tags []string) []string {
	return uniqueIDs(tags)
}

// unionTags returns base with every tag of extra appended once
func unionTags(base, extra []string) []string {
	return cleanTags(append(append([]string{}, base...), extra...))
}

// removeTags returns base without any tag in drop
func removeTags(base, drop []string) []string {
	remove := make(map[string]bool, len(drop))
	for _, t := range drop {
		remove[strings.TrimSpace(t)] = true
	}
	out := []string{}
	for _, t := range cleanTags(base) {
		if !remove[t] {
			out = append(out, t)
		}
	}
	return out
}

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// renderTemplate replaces {{variable}} placeholders; unknown ones are kept as is
func renderTemplate(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		return match
	})
}
