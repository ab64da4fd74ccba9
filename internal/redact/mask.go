package redact

import "strings"

// MaskValue hides value while keeping a hint of its shape: the first two
// characters of an email's local part, or the last four digits of a card.
func MaskValue(value, typ string) string {
	cleaned := strings.TrimSpace(value)
	switch typ {
	case "EMAIL":
		if at := strings.Index(cleaned, "@"); at > 0 {
			local := []rune(cleaned[:at])
			if len(local) > 1 {
				return string(local[:2]) + "...[REDACTED_EMAIL]"
			}
		}
		return "[REDACTED_EMAIL]"
	case "CREDIT_CARD":
		var digits []byte
		for i := 0; i < len(cleaned); i++ {
			if cleaned[i] >= '0' && cleaned[i] <= '9' {
				digits = append(digits, cleaned[i])
			}
		}
		if len(digits) < 4 {
			return "[REDACTED_CREDIT_CARD]"
		}
		return "xxxx-xxxx-xxxx-" + string(digits[len(digits)-4:])
	}
	return "[REDACTED_" + typ + "]"
}
