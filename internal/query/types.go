package query

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// HistoryEntry is one persisted recipe.
type HistoryEntry struct {
	RecipeID    string            `json:"recipe_id"`
	Sequence    int64             `json:"sequence"`
	Kind        string            `json:"kind"`
	Account     string            `json:"account"`
	Address     string            `json:"address"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
	RelatedID   string            `json:"related_id,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HistoryPage is one page of an address's history, newest first.
// NextCursor is empty on the last page.
type HistoryPage struct {
	Address      string         `json:"address"`
	Entries      []HistoryEntry `json:"entries"`
	NextCursor   string         `json:"next_cursor,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// IntegrityReport is the result of checking the persisted log.
type IntegrityReport struct {
	IsHealthy bool `json:"is_healthy"`
	// SequenceGaps lists the first missing sequence of each gap.
	SequenceGaps []int64 `json:"sequence_gaps,omitempty"`
	// ProjectedImbalance is the sum of every projected balance, sentinels
	// included. Each movement debits one key and credits another, so it
	// must be zero.
	ProjectedImbalance int64 `json:"projected_imbalance"`
}

// cursor is the keyset position after the last entry of a page.
type cursor struct {
	sequence int64
	recipeID string
}

func (c cursor) encode() string {
	raw := strconv.FormatInt(c.sequence, 10) + ":" + c.recipeID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	seqText, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return cursor{}, fmt.Errorf("invalid cursor")
	}
	seq, err := strconv.ParseInt(seqText, 10, 64)
	if err != nil || seq < 0 {
		return cursor{}, fmt.Errorf("invalid cursor sequence")
	}
	return cursor{sequence: seq, recipeID: id}, nil
}

// normaliseLimit clamps a requested page size.
func normaliseLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}
