package store

import "strings"

// NormalizePhone reduces a channel address to bare digits so the same patient
// is found regardless of "+", spaces, or dashes in the incoming address.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	digits = strings.TrimPrefix(digits, "00")
	return digits
}

// PhoneVariants returns the normalized address plus known equivalent forms.
// WhatsApp drops or adds the Brazilian mobile ninth digit depending on when
// the contact was created, so both spellings must resolve to one patient.
func PhoneVariants(raw string) []string {
	n := NormalizePhone(raw)
	if n == "" {
		return nil
	}
	variants := []string{n}

	if strings.HasPrefix(n, "55") {
		rest := n[2:]
		// 55 + DDD(2) + number(8): insert the ninth digit
		if len(rest) == 10 {
			variants = append(variants, "55"+rest[:2]+"9"+rest[2:])
		}
		// 55 + DDD(2) + 9 + number(8): drop the ninth digit
		if len(rest) == 11 && rest[2] == '9' {
			variants = append(variants, "55"+rest[:2]+rest[3:])
		}
	}
	return variants
}
