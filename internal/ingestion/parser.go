package ingestion

import (
	"strings"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/tx"
)

// SubjectPrefix is the root of the intake subjects. A producer publishes a
// signed envelope to predict.tx.<tx_type>, e.g. predict.tx.bet_placement.
const SubjectPrefix = "predict.tx."

// SubjectFor returns the intake subject for a transaction type.
func SubjectFor(t tx.TxType) string {
	return SubjectPrefix + t.String()
}

// ParseSubmission decodes the JSON envelope carried by a message on subject.
// When the subject names a tx type it must agree with the envelope's.
func ParseSubmission(subject string, data []byte) (*tx.SignedEnvelope, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.CodeMalformedPayload, "empty message on %s", subject)
	}

	env, err := tx.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}

	suffix, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || suffix == "" || strings.ContainsAny(suffix, ".*>") {
		return env, nil
	}
	want, err := tx.ParseTxType(suffix)
	if err != nil {
		return nil, apperr.New(apperr.CodeTypeMismatch, "subject %s names no tx type", subject)
	}
	if want != env.TxType {
		return nil, apperr.New(apperr.CodeTypeMismatch,
			"subject %s carries a %s envelope", subject, env.TxType)
	}
	return env, nil
}
