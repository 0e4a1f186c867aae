package bounty

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"bountyboard-backend/core/bounty"
)

// Input limits
const (
	MaxTitle          = 200
	MaxDescription    = 10000
	MaxResult         = 100000
	MaxAttachments    = 20
	MaxAttachmentSize = 2048
)

var (
	xssPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>.*?</script>`),
		regexp.MustCompile(`(?i)<iframe[^>]*>.*?</iframe>`),
		regexp.MustCompile(`(?i)<object[^>]*>.*?</object>`),
		regexp.MustCompile(`(?i)<embed[^>]*>.*?</embed>`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)vbscript:`),
		regexp.MustCompile(`(?i)onload\s*=`),
		regexp.MustCompile(`(?i)onerror\s*=`),
		regexp.MustCompile(`(?i)onclick\s*=`),
	}

	controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// SanitizeInput removes control characters and markup that would execute in
// a browser. The boolean reports whether anything was removed.
func SanitizeInput(input string) (string, bool) {
	if input == "" {
		return input, false
	}
	found := false
	result := input
	if controlCharPattern.MatchString(result) {
		found = true
		result = controlCharPattern.ReplaceAllString(result, "")
	}
	for _, p := range xssPatterns {
		if p.MatchString(result) {
			found = true
			result = p.ReplaceAllString(result, "")
		}
	}
	return result, found
}

// SplitAttachments accepts either a list or a single comma-joined string.
func SplitAttachments(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// ValidateMetadataInput checks and normalizes the descriptive fields.
func ValidateMetadataInput(title, description string, attachments []string) (string, string, []string, error) {
	title, _ = SanitizeInput(strings.TrimSpace(title))
	description, _ = SanitizeInput(strings.TrimSpace(description))

	if n := utf8.RuneCountInString(title); n == 0 || n > MaxTitle {
		return "", "", nil, fmt.Errorf("%w: title must be 1..%d characters", bounty.ErrInvalidInput, MaxTitle)
	}
	if n := utf8.RuneCountInString(description); n == 0 || n > MaxDescription {
		return "", "", nil, fmt.Errorf("%w: description must be 1..%d characters", bounty.ErrInvalidInput, MaxDescription)
	}
	attachments = SplitAttachments(attachments)
	if len(attachments) > MaxAttachments {
		return "", "", nil, fmt.Errorf("%w: at most %d attachments", bounty.ErrInvalidInput, MaxAttachments)
	}
	for i, a := range attachments {
		if len(a) > MaxAttachmentSize {
			return "", "", nil, fmt.Errorf("%w: attachment %d exceeds %d bytes", bounty.ErrInvalidInput, i, MaxAttachmentSize)
		}
		if _, dangerous := SanitizeInput(a); dangerous {
			return "", "", nil, fmt.Errorf("%w: attachment %d contains disallowed content", bounty.ErrInvalidInput, i)
		}
	}
	return title, description, attachments, nil
}

// ValidateResult checks a submission payload.
func ValidateResult(result string) (string, error) {
	result = strings.TrimSpace(result)
	if result == "" {
		return "", fmt.Errorf("%w: result is required", bounty.ErrInvalidInput)
	}
	if len(result) > MaxResult {
		return "", fmt.Errorf("%w: result exceeds %d bytes", bounty.ErrInvalidInput, MaxResult)
	}
	result, _ = SanitizeInput(result)
	return result, nil
}
