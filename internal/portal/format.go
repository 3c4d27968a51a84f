package portal

import (
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const notAvailable = "Н/Д"

var (
	amountPrinter = message.NewPrinter(language.English)

	currencySymbols = map[string]string{
		"RUB": "₽",
		"USD": "$",
		"EUR": "€",
		"CNY": "¥",
	}
)

// formatPrice renders an amount as "1 234.50 ₽": space-grouped thousands, two decimals,
// currency symbol after the amount.
func formatPrice(amount float64, currency string) string {
	symbol, ok := currencySymbols[currency]
	if !ok {
		symbol = currency
	}
	formatted := strings.ReplaceAll(amountPrinter.Sprintf("%.2f", amount), ",", " ")
	return formatted + " " + symbol
}

// parseMoney reads a CRM money field ("100|USD" or a bare number). Unparseable values are 0 RUB.
func parseMoney(raw string) (float64, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, "RUB"
	}
	if amount, currency, ok := strings.Cut(raw, "|"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil {
			return 0, "RUB"
		}
		if currency = strings.TrimSpace(currency); currency == "" {
			currency = "RUB"
		}
		return v, currency
	}
	return parseAmount(raw), "RUB"
}

func parseAmount(raw string) float64 {
	clean := strings.ReplaceAll(strings.ReplaceAll(raw, " ", ""), ",", ".")
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return v
}

// formatDate turns CRM dates ("2025-11-20T10:00:00+03:00", "2025-11-20") into "20.11.2025".
func formatDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == notAvailable {
		return notAvailable
	}
	if len(raw) == 10 && strings.Count(raw, ".") == 2 {
		return raw
	}
	date, _, _ := strings.Cut(raw, "T")
	if len(date) < 10 || !strings.Contains(date, "-") {
		return raw
	}
	parts := strings.Split(date[:10], "-")
	if len(parts) != 3 {
		return notAvailable
	}
	return parts[2] + "." + parts[1] + "." + parts[0]
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func truncateTitle(title string, max int) string {
	r := []rune(title)
	if len(r) <= max {
		return title
	}
	return string(r[:max-3]) + "..."
}
