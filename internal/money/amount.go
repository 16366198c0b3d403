package money

import (
	"bytes"
	"encoding/json"

	"PredictLedger/internal/apperr"
)

// Amount is a non-negative cent value that travels on the wire as a
// decimal string ("250.00"). Bare JSON numbers are accepted on input.
type Amount int64

func (a Amount) Cents() int64 { return int64(a) }

func (a Amount) String() string { return Format(int64(a)) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Format(int64(a)))
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	c, err := unmarshalDecimal(b)
	if err != nil {
		return err
	}
	if c < 0 {
		return apperr.New(apperr.CodeInvalidAmount, "amount %s is negative", string(b))
	}
	*a = Amount(c)
	return nil
}

// SignedAmount is Amount without the sign restriction. Only administrative
// balance writes use it, so a negative value reaches the engine and is
// rejected there with NEGATIVE_BALANCE.
type SignedAmount int64

func (a SignedAmount) Cents() int64 { return int64(a) }

func (a SignedAmount) String() string { return Format(int64(a)) }

func (a SignedAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Format(int64(a)))
}

func (a *SignedAmount) UnmarshalJSON(b []byte) error {
	c, err := unmarshalDecimal(b)
	if err != nil {
		return err
	}
	*a = SignedAmount(c)
	return nil
}

func unmarshalDecimal(b []byte) (int64, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return 0, apperr.New(apperr.CodeInvalidAmount, "amount is not a string: %v", err)
		}
		return ParseSigned(s)
	}
	if bytes.Equal(b, []byte("null")) {
		return 0, apperr.New(apperr.CodeInvalidAmount, "amount is null")
	}
	return ParseSigned(string(b))
}
