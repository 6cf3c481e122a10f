package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/jonathan/pharma-watch/internal/types"
)

// Availability labels reported by the source.
const (
	Available   = "Disponible"
	Unavailable = "Indisponible"
)

// decodeJSON decodes body keeping numbers as json.Number.
func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseStatus maps a status API body to a StatusRecord.
// Prices fall back from regular_price to price, final_price to regular_price,
// stock_1 to stock. The actif flag wins over the available field.
func ParseStatus(sku int64, body []byte, observedAt time.Time) (types.StatusRecord, error) {
	rec := types.StatusRecord{SKU: sku, ObservedAt: observedAt}

	var data map[string]any
	if err := decodeJSON(body, &data); err != nil {
		return rec, &DecodeError{Message: "invalid status body", Cause: err}
	}

	rec.Price = parseFloat(firstSet(data["regular_price"], data["price"]))
	rec.DiscountPercent = parseFloat(data["discount"])
	rec.FinalPrice = parseFloat(firstSet(data["final_price"], data["regular_price"]))
	rec.Stock = parseInt(firstSet(data["stock_1"], data["stock"]))
	rec.Points = parseInt(data["points"])
	rec.Availability = availability(data)
	rec.InStock = inStock(rec)
	return rec, nil
}

func availability(data map[string]any) string {
	if actif := data["actif"]; actif != nil {
		if fmt.Sprint(actif) == "1" {
			return Available
		}
		return Unavailable
	}
	switch v := data["available"].(type) {
	case string:
		return v
	case bool:
		if v {
			return Available
		}
		return Unavailable
	}
	return ""
}

// inStock trusts a known stock level, then the availability label.
func inStock(rec types.StatusRecord) bool {
	if rec.Stock != nil {
		return *rec.Stock > 0 && rec.Availability != Unavailable
	}
	return strings.EqualFold(rec.Availability, Available)
}

// firstSet returns the first value that is neither null, empty, zero nor false,
// or the last value when none is.
func firstSet(values ...any) any {
	for _, v := range values {
		if isSet(v) {
			return v
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values[len(values)-1]
}

func isSet(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case float64:
		return v != 0
	}
	return true
}

// parseFloat accepts numbers and strings such as "12,90 €".
func parseFloat(v any) *float64 {
	var (
		f   float64
		err error
	)
	switch v := v.(type) {
	case json.Number:
		f, err = v.Float64()
	case float64:
		f = v
	case string:
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == ',' || r == '-' {
				return r
			}
			return -1
		}, v)
		f, err = strconv.ParseFloat(strings.ReplaceAll(cleaned, ",", "."), 64)
	default:
		return nil
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// parseInt accepts numbers and strings such as "15 unités". Fractions are truncated.
func parseInt(v any) *int {
	var s string
	switch v := v.(type) {
	case json.Number:
		s = v.String()
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		s = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '-' {
				return r
			}
			return -1
		}, v)
	default:
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}

// NameVariants returns the search titles tried for the stock fallback: the
// full name, the part before a dash separator and the first three words.
func NameVariants(name string) []string {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	variants := []string{name}

	for _, sep := range []string{" – ", " - "} {
		if before, _, found := strings.Cut(name, sep); found {
			variants = append(variants, strings.TrimSpace(before))
			break
		}
	}

	words := strings.FieldsFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '–'
	})
	if len(words) >= 3 {
		variants = append(variants, strings.Join(words[:3], " "))
	}

	seen := make(map[string]bool, len(variants))
	unique := variants[:0]
	for _, v := range variants {
		if v != "" && !seen[v] {
			seen[v] = true
			unique = append(unique, v)
		}
	}
	return unique
}

// findStock looks sku up in a search response body.
// found is true when the SKU is listed, even without a stock level.
func findStock(sku int64, body []byte) (stock *int, found bool, err error) {
	var items []map[string]any
	if err := decodeJSON(body, &items); err != nil {
		return nil, false, &DecodeError{Message: "invalid search body", Cause: err}
	}
	want := strconv.FormatInt(sku, 10)
	for _, item := range items {
		id := firstSet(item["sku"], item["id"])
		if id == nil || fmt.Sprint(id) != want {
			continue
		}
		return parseInt(firstSet(item["stock_1"], item["stock"])), true, nil
	}
	return nil, false, nil
}
