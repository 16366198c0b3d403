package query

// BalanceResponse is an address balance read from the projection tables.
// AsOfSequence tells the caller how fresh it is.
type BalanceResponse struct {
	Address      string `json:"address"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// MarketStatsResponse aggregates bets per market.
type MarketStatsResponse struct {
	MarketID     string `json:"market_id"`
	BetCount     int64  `json:"bet_count"`
	Volume       int64  `json:"volume"`
	Status       string `json:"status"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
