package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// amount is a provider money field that may arrive as a JSON number or a
// numeric string.
type amount struct {
	value decimal.Decimal
	set   bool
}

func (a *amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	a.value, a.set = d, true
	return nil
}

// majorToMinor converts an amount in major currency units to cents.
func majorToMinor(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// wholeMinor rounds an amount already expressed in cents.
func wholeMinor(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}
