package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Money is an amount in cents
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseMoney reads a price as stored by the backend: a JSON number or a
// locale string such as "30,00", "1.234,56", "30.00" or "R$ 12,50".
// Unparsable values count as zero and are logged.
func ParseMoney(v any) Money {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return Money(math.Round(t * 100))
	case int:
		return Money(int64(t) * 100)
	case int64:
		return Money(t * 100)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			break
		}
		return Money(math.Round(f * 100))
	case string:
		if m, ok := parseMoneyString(t); ok {
			return m
		}
	}
	log.Warn().Interface("value", v).Msg("unparsable money value, counting as zero")
	return 0
}

func parseMoneyString(s string) (Money, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	// strip currency symbols and spaces on either side
	s = strings.TrimFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != ',' && r != '.' && r != '-'
	})
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// whichever separator comes last is the decimal one
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// a lone comma is always the decimal separator
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		// dots group thousands unless a single one is followed by other than three digits
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	m := Money(math.Round(f * 100))
	if neg {
		m = -m
	}
	return m, true
}
