// Package validation содержит функции валидации входных данных.
package validation

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/apperr"
)

// MaxAmount ограничивает сумму так, чтобы она помещалась в int64 в минимальных единицах.
var MaxAmount = decimal.New(1, 13)

// ParseAmount приводит строковое представление суммы к неотрицательному конечному числу с точностью до копеек.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, apperr.Validation("amount is required")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.Validation("amount %q is not a finite number", s)
	}
	if d.IsNegative() {
		return decimal.Zero, apperr.Validation("amount must not be negative")
	}
	if d.GreaterThan(MaxAmount) {
		return decimal.Zero, apperr.Validation("amount is too large")
	}

	return d.Round(2), nil
}

// AmountFromJSON принимает сумму в виде JSON-числа или JSON-строки.
func AmountFromJSON(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero, apperr.Validation("amount is required")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, apperr.Validation("amount is not a string or number")
		}
		return ParseAmount(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return decimal.Zero, apperr.Validation("amount is not a string or number")
	}
	return ParseAmount(n.String())
}

// ToMinorUnits переводит сумму в минимальные единицы валюты (×100).
func ToMinorUnits(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromMinorUnits переводит сумму из минимальных единиц валюты.
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}
