package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/secondlayer/streams/internal/store"
)

// Filters is the stream filter object. The schema is closed: unknown keys
// are a configuration error, not a silent no-match. An empty object
// matches every block.
type Filters struct {
	Events       []EventFilter `json:"events,omitempty"`
	Transactions []TxFilter    `json:"transactions,omitempty"`
}

// EventFilter matches events by field equality. Unset fields match
// anything.
type EventFilter struct {
	Type       string `json:"type,omitempty"`
	ContractID string `json:"contract_id,omitempty"`
}

// TxFilter matches transactions by field equality. Unset fields match
// anything.
type TxFilter struct {
	Type         string `json:"type,omitempty"`
	Sender       string `json:"sender,omitempty"`
	ContractID   string `json:"contract_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	Status       string `json:"status,omitempty"`
}

// ParseFilters decodes a stream's filter JSON, rejecting unknown keys.
func ParseFilters(raw json.RawMessage) (*Filters, error) {
	var f Filters
	if len(raw) == 0 {
		return &f, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("invalid filters: %w", err)
	}
	return &f, nil
}

// Empty reports whether the filter matches unconditionally.
func (f *Filters) Empty() bool {
	return len(f.Events) == 0 && len(f.Transactions) == 0
}

// Match returns the transactions and events the filter selects. With an
// empty filter everything matches; otherwise a block matches when at
// least one entity passes at least one filter clause.
func (f *Filters) Match(txs []store.Transaction, events []store.Event) ([]store.Transaction, []store.Event) {
	if f.Empty() {
		return txs, events
	}

	var matchedTxs []store.Transaction
	for _, tx := range txs {
		for _, tf := range f.Transactions {
			if tf.matches(&tx) {
				matchedTxs = append(matchedTxs, tx)
				break
			}
		}
	}

	var matchedEvents []store.Event
	for _, ev := range events {
		for _, ef := range f.Events {
			if ef.matches(&ev) {
				matchedEvents = append(matchedEvents, ev)
				break
			}
		}
	}
	return matchedTxs, matchedEvents
}

func (tf *TxFilter) matches(tx *store.Transaction) bool {
	if tf.Type != "" && tf.Type != tx.Type {
		return false
	}
	if tf.Sender != "" && tf.Sender != tx.Sender {
		return false
	}
	if tf.Status != "" && tf.Status != tx.Status {
		return false
	}
	if tf.ContractID != "" && (tx.ContractID == nil || *tx.ContractID != tf.ContractID) {
		return false
	}
	if tf.FunctionName != "" && (tx.FunctionName == nil || *tx.FunctionName != tf.FunctionName) {
		return false
	}
	return true
}

func (ef *EventFilter) matches(ev *store.Event) bool {
	if ef.Type != "" && ef.Type != ev.Type {
		return false
	}
	if ef.ContractID != "" && ef.ContractID != eventContractID(ev) {
		return false
	}
	return true
}

// eventContractID pulls the contract identity out of the event payload.
// Contract log events carry it as contract_identifier; asset events as
// asset_identifier's contract half.
func eventContractID(ev *store.Event) string {
	var payload struct {
		ContractIdentifier string `json:"contract_identifier"`
		AssetIdentifier    string `json:"asset_identifier"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return ""
	}
	if payload.ContractIdentifier != "" {
		return payload.ContractIdentifier
	}
	if payload.AssetIdentifier != "" {
		for i, r := range payload.AssetIdentifier {
			if r == ':' {
				return payload.AssetIdentifier[:i]
			}
		}
		return payload.AssetIdentifier
	}
	return ""
}
