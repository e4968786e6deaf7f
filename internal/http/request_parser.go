package http

// Request bodies are decoded here. Amounts are accepted as JSON integers or
// as strings with VND thousands separators.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"chitieu/internal/core"
)

const maxBodyBytes = 64 << 10

var errMalformedBody = errors.New("malformed request body")

// jsonAmount keeps the raw JSON token so the caller decides which amounts
// are acceptable.
type jsonAmount struct {
	raw json.RawMessage
}

func (a *jsonAmount) UnmarshalJSON(b []byte) error {
	a.raw = append(a.raw[:0], b...)
	return nil
}

func (a *jsonAmount) present() bool {
	return a != nil && len(a.raw) > 0 && string(a.raw) != "null"
}

// Expense returns a positive whole VND amount.
func (a *jsonAmount) Expense() (core.Money, error) {
	if !a.present() {
		return core.Money{}, core.ErrInvalidAmount
	}
	if s, ok := a.text(); ok {
		return core.ParseAmount(s)
	}
	d, err := decimal.NewFromString(string(a.raw))
	if err != nil {
		return core.Money{}, core.ErrInvalidAmount
	}
	return core.FromDecimal(d)
}

// Balance returns a whole VND amount of any sign; absent means zero.
func (a *jsonAmount) Balance() (core.Money, error) {
	if !a.present() {
		return core.Money{}, nil
	}
	if s, ok := a.text(); ok {
		s = strings.TrimSpace(s)
		neg := strings.HasPrefix(s, "-")
		s = strings.TrimPrefix(s, "-")
		if strings.Trim(s, "0") == "" && s != "" {
			return core.Money{}, nil
		}
		m, err := core.ParseAmount(s)
		if err != nil {
			return core.Money{}, err
		}
		if neg {
			m = m.Neg()
		}
		return m, nil
	}
	d, err := decimal.NewFromString(string(a.raw))
	if err != nil || !d.IsInteger() || !d.BigInt().IsInt64() {
		return core.Money{}, core.ErrInvalidAmount
	}
	return core.VND(d.IntPart()), nil
}

func (a *jsonAmount) text() (string, bool) {
	if a.raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(a.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

type addMemberRequest struct {
	UserID         string      `json:"user_id"`
	InitialBalance *jsonAmount `json:"initial_balance"`
}

type expenseRequest struct {
	Amount      *jsonAmount `json:"amount"`
	Description string      `json:"description"`
}

// decodeBody reads a single JSON object from the request into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON object", errMalformedBody)
	}
	return nil
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims surrounding whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return -1
		}
		return r
	}, s)
}
