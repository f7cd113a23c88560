package documents

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxPushBytes = 512000
	DefaultMaxPullBytes = 512000
	DefaultMaxTags      = 32

	maxTitleLength = 160
	maxTagLength   = 64
	maxNoteLength  = 500
)

// PayloadPolicy bounds the decoded size of replicated-log payloads.
type PayloadPolicy struct {
	MaxPushBytes int
	MaxPullBytes int
}

// DefaultPayloadPolicy returns the stock ceilings.
func DefaultPayloadPolicy() PayloadPolicy {
	return PayloadPolicy{MaxPushBytes: DefaultMaxPushBytes, MaxPullBytes: DefaultMaxPullBytes}
}

func (p PayloadPolicy) withDefaults() PayloadPolicy {
	if p.MaxPushBytes <= 0 {
		p.MaxPushBytes = DefaultMaxPushBytes
	}
	if p.MaxPullBytes <= 0 {
		p.MaxPullBytes = DefaultMaxPullBytes
	}
	return p
}

func checkSize(size, limit int, direction string) error {
	if size > limit {
		return fmt.Errorf("%w: %s of %d bytes exceeds %d", ErrPayloadTooLarge, direction, size, limit)
	}
	return nil
}

// Violation describes one rejected field of a patch.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violation found in a request.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		parts = append(parts, violation.Field+": "+violation.Message)
	}
	return "documents: validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

func validateTitle(title string, violations *ValidationError) string {
	trimmed := strings.TrimSpace(title)
	switch {
	case trimmed == "":
		violations.add("title", "must not be empty")
	case utf8.RuneCountInString(trimmed) > maxTitleLength:
		violations.add("title", fmt.Sprintf("must be at most %d characters", maxTitleLength))
	}
	return trimmed
}

func validateNote(note string, violations *ValidationError) string {
	trimmed := strings.TrimSpace(note)
	if utf8.RuneCountInString(trimmed) > maxNoteLength {
		violations.add("note", fmt.Sprintf("must be at most %d characters", maxNoteLength))
	}
	return trimmed
}

// NormalizeTags trims, lower-cases, de-duplicates and sorts tags. Empty tags are dropped.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	normalized := make([]string, 0, len(tags))
	for _, tag := range tags {
		value := strings.ToLower(strings.TrimSpace(tag))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		normalized = append(normalized, value)
	}
	sort.Strings(normalized)
	return normalized
}

func validateTags(tags []string, maxTags int, violations *ValidationError) []string {
	normalized := NormalizeTags(tags)
	if len(normalized) > maxTags {
		violations.add("tags", fmt.Sprintf("must contain at most %d tags", maxTags))
	}
	for _, tag := range normalized {
		if utf8.RuneCountInString(tag) > maxTagLength {
			violations.add("tags", fmt.Sprintf("tag %q exceeds %d characters", tag, maxTagLength))
		}
	}
	return normalized
}
