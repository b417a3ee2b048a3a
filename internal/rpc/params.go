package rpc

// Amounts on the wire are decimal strings of raw ledger units.

// ErrorResult is the body of an "error" response.
type ErrorResult struct {
	Error string `json:"error"`
}

// AllowanceParam caps spending of one asset by the session key.
type AllowanceParam struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthRequestParams opens the challenge-response handshake. The same values
// must later be embedded in the signed policy.
type AuthRequestParams struct {
	Address     string           `json:"address"`
	SessionKey  string           `json:"session_key"`
	Application string           `json:"application"`
	Allowances  []AllowanceParam `json:"allowances"`
	ExpiresAt   uint64           `json:"expires_at"`
	Scope       string           `json:"scope"`
}

// AuthChallengeResult carries the opaque challenge.
type AuthChallengeResult struct {
	ChallengeMessage string `json:"challenge_message"`
}

// AuthVerifyParams returns the signed challenge.
type AuthVerifyParams struct {
	Challenge string `json:"challenge"`
}

// AuthVerifyResult reports handshake success.
type AuthVerifyResult struct {
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
	Success    bool   `json:"success"`
	JWTToken   string `json:"jwt_token,omitempty"`
}

// LedgerParams selects whose ledger balances are returned.
type LedgerParams struct {
	Participant string `json:"participant,omitempty"`
}

// LedgerBalance is one asset balance.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// LedgerResult is the get_ledger_balances result and the "bu" push body.
type LedgerResult struct {
	LedgerBalances []LedgerBalance `json:"ledger_balances"`
}

// TransferAllocation is one asset leg of a transfer.
type TransferAllocation struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// TransferParams moves ledger funds. Nonce makes the transfer idempotent on
// the node.
type TransferParams struct {
	Destination string               `json:"destination"`
	Allocations []TransferAllocation `json:"allocations"`
	Nonce       string               `json:"nonce"`
}

// LedgerTransaction is one applied ledger movement.
type LedgerTransaction struct {
	ID          uint64 `json:"id"`
	TxType      string `json:"tx_type"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Nonce       string `json:"nonce,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// TransferResult lists the transactions a transfer produced.
type TransferResult struct {
	Transactions []LedgerTransaction `json:"transactions"`
}

// CreateChannelParams asks the node to open a channel on chainID for token.
type CreateChannelParams struct {
	ChainID    int64  `json:"chain_id"`
	Token      string `json:"token"`
	Amount     string `json:"amount"`
	SessionKey string `json:"session_key"`
}

// StateAllocation is a participant's allocation inside a channel state.
type StateAllocation struct {
	Participant string `json:"destination"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
}

// StateResult is a channel state as countersigned by the node.
type StateResult struct {
	Intent      uint8             `json:"intent"`
	Version     uint64            `json:"version"`
	StateData   string            `json:"state_data"`
	Allocations []StateAllocation `json:"allocations"`
}

// ChannelResult is returned by create/resize/close channel.
type ChannelResult struct {
	ChannelID       string      `json:"channel_id"`
	State           StateResult `json:"state"`
	ServerSignature string      `json:"server_signature"`
}

// ResizeChannelParams changes the channel's funding by ResizeAmount (may be
// negative). AllocateAmount moves funds between ledger and channel.
type ResizeChannelParams struct {
	ChannelID        string `json:"channel_id"`
	ResizeAmount     string `json:"resize_amount"`
	AllocateAmount   string `json:"allocate_amount"`
	FundsDestination string `json:"funds_destination"`
}

// CloseChannelParams requests cooperative closure.
type CloseChannelParams struct {
	ChannelID        string `json:"channel_id"`
	FundsDestination string `json:"funds_destination"`
}

// GetChannelsParams filters the channel listing.
type GetChannelsParams struct {
	Participant string `json:"participant"`
	Status      string `json:"status,omitempty"`
}

// ChannelInfo is one row in a get_channels result.
type ChannelInfo struct {
	ChannelID string `json:"channel_id"`
	Status    string `json:"status"`
	Token     string `json:"token"`
	ChainID   int64  `json:"chain_id"`
	Amount    string `json:"amount"`
	Version   uint64 `json:"version"`
}

// GetChannelsResult lists channels.
type GetChannelsResult struct {
	Channels []ChannelInfo `json:"channels"`
}
