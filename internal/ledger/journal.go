package ledger

// TxKind labels a transaction record.
type TxKind string

const (
	TxKindTransfer        TxKind = "transfer"
	TxKindBetEscrow       TxKind = "bet_escrow"
	TxKindPayout          TxKind = "payout"
	TxKindRefund          TxKind = "refund"
	TxKindLiquidityLock   TxKind = "liquidity_lock"
	TxKindLiquidityUnlock TxKind = "liquidity_unlock"
	TxKindLiquidityReturn TxKind = "liquidity_return"
	TxKindAdminMint       TxKind = "admin_mint"
	TxKindAdminSet        TxKind = "admin_set"
	TxKindWalletSeed      TxKind = "wallet_seed"
	TxKindBridgeWithdraw  TxKind = "bridge_withdraw"
	TxKindBridgeDeposit   TxKind = "bridge_deposit"
)

// TxRecord is one movement of tokens. From/To are addresses or sentinels.
type TxRecord struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
	Kind      TxKind `json:"kind"`
}

// RecipeKind labels an audit recipe.
type RecipeKind string

const (
	RecipeTransfer        RecipeKind = "transfer"
	RecipeBetPlaced       RecipeKind = "bet_placed"
	RecipeBetWon          RecipeKind = "bet_won"
	RecipeBetLost         RecipeKind = "bet_lost"
	RecipeRefund          RecipeKind = "refund"
	RecipeMarketLaunch    RecipeKind = "market_launch"
	RecipeMarketResolved  RecipeKind = "market_resolved"
	RecipeLiquidityAdd    RecipeKind = "liquidity_add"
	RecipeLiquidityRemove RecipeKind = "liquidity_remove"
	RecipeLiquidityReturn RecipeKind = "liquidity_return"
	RecipeAdminAction     RecipeKind = "admin_action"
	RecipeWalletSeed      RecipeKind = "wallet_seed"
	RecipeBridge          RecipeKind = "bridge"
)

// Recipe is the user-facing audit entry. Amount is the signed change to the
// account's balance.
type Recipe struct {
	ID          string            `json:"id"`
	Kind        RecipeKind        `json:"kind"`
	Account     string            `json:"account"`
	Address     string            `json:"address"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
	RelatedID   string            `json:"related_id,omitempty"`
	Timestamp   int64             `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Supply tracks the privileged counters. Total is what balances plus
// escrow must add up to.
type Supply struct {
	Total        int64 `json:"total"`
	Minted       int64 `json:"minted"`
	Seeded       int64 `json:"seeded"`
	AdjustedUp   int64 `json:"adjusted_up"`
	AdjustedDown int64 `json:"adjusted_down"`
}
