package logger

import (
	"regexp"
	"strings"
)

var (
	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	e164Regex  = regexp.MustCompile(`\+\d{10,15}`)
)

var phoneKeys = []string{"phone", "recipient", "wa_id", "to"}

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactPhone keeps the country prefix and the last four digits.
// "+5511987654321" → "+55*******4321"
func RedactPhone(phone string) string {
	if len(phone) <= 7 {
		return "***"
	}
	head := 3
	if !strings.HasPrefix(phone, "+") {
		head = 2
	}
	return phone[:head] + strings.Repeat("*", len(phone)-head-4) + phone[len(phone)-4:]
}

func redactValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	for _, k := range phoneKeys {
		if key == k || strings.HasSuffix(key, "_"+k) || strings.HasPrefix(key, k+"_") {
			return RedactPhone(val)
		}
	}
	val = emailRegex.ReplaceAllStringFunc(val, RedactEmail)
	return e164Regex.ReplaceAllStringFunc(val, RedactPhone)
}
