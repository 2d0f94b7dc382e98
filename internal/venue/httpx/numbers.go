package httpx

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Float accepts the numeric shapes venues use: JSON numbers and decimal
// strings.
func Float(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FormatQty renders a quantity without exponent notation or trailing zeros.
func FormatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
