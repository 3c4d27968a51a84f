package crm

import (
	"regexp"
	"strings"
)

var phoneInputJunk = regexp.MustCompile(`[^\d+]`)

// SanitizePhoneInput strips everything except digits and plus signs from staff input.
func SanitizePhoneInput(s string) string {
	return phoneInputJunk.ReplaceAllString(s, "")
}

// CleanPhone normalizes a phone number to its digits in the 7XXXXXXXXXX form.
func CleanPhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	switch {
	case strings.HasPrefix(clean, "8"):
		clean = "7" + clean[1:]
	case strings.HasPrefix(clean, "9") && len(clean) == 10:
		clean = "7" + clean
	}
	return clean
}

// PhoneVariants lists the spellings tried against the CRM, in order:
// cleaned, plus-prefixed, and the domestic leading 8.
func PhoneVariants(s string) []string {
	clean := CleanPhone(s)
	if clean == "" {
		return nil
	}
	return []string{clean, "+" + clean, "8" + clean[1:]}
}
