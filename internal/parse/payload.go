// Package parse converts upstream push payloads into store entities. The
// decode path is best-effort: a transaction with a tx_id is never dropped,
// it degrades field by field toward "unknown".
package parse

import "encoding/json"

// BlockPayload is the body of an upstream new-block push.
type BlockPayload struct {
	BlockHeight          int64          `json:"block_height"`
	IndexBlockHash       string         `json:"index_block_hash"`
	ParentIndexBlockHash string         `json:"parent_index_block_hash"`
	BurnBlockHeight      int64          `json:"burn_block_height"`
	BurnBlockTime        int64          `json:"burn_block_time"`
	Transactions         []TxPayload    `json:"transactions"`
	Events               []EventPayload `json:"events"`
}

// TxPayload is one transaction in a block push. RawTx is hex-encoded wire
// bytes; the remaining fields are upstream-supplied hints used when the
// raw decode fails.
type TxPayload struct {
	TxID         string `json:"txid"`
	RawTx        string `json:"raw_tx"`
	Status       string `json:"status"`
	Type         string `json:"type,omitempty"`
	Sender       string `json:"sender_address,omitempty"`
	ContractID   string `json:"contract_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// EventPayload is one emitted event. Exactly one of the typed sub-objects
// is populated, selected by Type.
type EventPayload struct {
	TxID        string          `json:"txid"`
	EventIndex  int32           `json:"event_index"`
	Type        string          `json:"type"`
	STXTransfer json.RawMessage `json:"stx_transfer_event,omitempty"`
	FTTransfer  json.RawMessage `json:"ft_transfer_event,omitempty"`
	NFTTransfer json.RawMessage `json:"nft_transfer_event,omitempty"`
	ContractLog json.RawMessage `json:"contract_event,omitempty"`
	MintEvent   json.RawMessage `json:"stx_mint_event,omitempty"`
	BurnEvent   json.RawMessage `json:"stx_burn_event,omitempty"`
}

// Data returns the sub-object matching the event type, or nil when the
// payload carries no matching section.
func (e *EventPayload) Data() json.RawMessage {
	switch e.Type {
	case "stx_transfer_event":
		return e.STXTransfer
	case "ft_transfer_event":
		return e.FTTransfer
	case "nft_transfer_event":
		return e.NFTTransfer
	case "smart_contract_log", "contract_event":
		return e.ContractLog
	case "stx_mint_event":
		return e.MintEvent
	case "stx_burn_event":
		return e.BurnEvent
	}
	return nil
}
