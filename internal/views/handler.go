package views

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/secondlayer/streams/internal/store"
)

// Handler derives view rows from one block. It runs inside the block's
// transaction: writes to the view schema and the watermark advance commit
// together or not at all.
type Handler interface {
	Name() string
	HandleBlock(ctx context.Context, tx pgx.Tx, schema string, block *store.Block, txs []store.Transaction, events []store.Event) error
}

// Registry maps handler names, referenced by view rows, to compiled-in
// implementations.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry preloaded with the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(&eventLogHandler{})
	r.Register(&tokenTransferHandler{})
	r.Register(&contractCallHandler{})
	return r
}

// Register adds a handler. Later registrations with the same name win,
// which lets embedders override built-ins.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Name()] = h
}

// Get returns the named handler.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// insertRow writes one row with the auto columns plus the given user
// columns into a view table.
func insertRow(ctx context.Context, tx pgx.Tx, schema, table string, height int64, txID string, cols map[string]any) error {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)

	columns := []string{"_block_height", "_tx_id"}
	placeholders := []string{"$1", "$2"}
	args := []any{height, txID}
	for i, name := range names {
		columns = append(columns, quote(name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
		args = append(args, cols[name])
	}

	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		quote(schema), quote(table),
		strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert into %s.%s: %w", schema, table, err)
	}
	return nil
}

// eventLogHandler appends every event to an append-only log table.
type eventLogHandler struct{}

func (h *eventLogHandler) Name() string { return "event_log" }

// DefaultEventLogDefinition is the table set event_log expects.
func DefaultEventLogDefinition() *Definition {
	return &Definition{Tables: map[string]TableDef{
		"events": {
			Columns: map[string]string{"event_type": "text", "payload": "jsonb"},
			Indexes: []string{"event_type"},
		},
	}}
}

func (h *eventLogHandler) HandleBlock(ctx context.Context, tx pgx.Tx, schema string, block *store.Block, _ []store.Transaction, events []store.Event) error {
	for _, ev := range events {
		err := insertRow(ctx, tx, schema, "events", block.Height, ev.TxID, map[string]any{
			"event_type": ev.Type,
			"payload":    ev.Payload,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// tokenTransferHandler projects stx_transfer events into a transfers
// table.
type tokenTransferHandler struct{}

func (h *tokenTransferHandler) Name() string { return "token_transfers" }

// DefaultTokenTransfersDefinition is the table set token_transfers
// expects.
func DefaultTokenTransfersDefinition() *Definition {
	return &Definition{Tables: map[string]TableDef{
		"transfers": {
			Columns: map[string]string{
				"sender":    "text",
				"recipient": "text",
				"amount":    "numeric",
			},
			Indexes: []string{"sender", "recipient"},
		},
	}}
}

func (h *tokenTransferHandler) HandleBlock(ctx context.Context, tx pgx.Tx, schema string, block *store.Block, _ []store.Transaction, events []store.Event) error {
	for _, ev := range events {
		if ev.Type != "stx_transfer_event" {
			continue
		}
		var data struct {
			Sender    string `json:"sender"`
			Recipient string `json:"recipient"`
			Amount    string `json:"amount"`
		}
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			continue
		}
		err := insertRow(ctx, tx, schema, "transfers", block.Height, ev.TxID, map[string]any{
			"sender":    data.Sender,
			"recipient": data.Recipient,
			"amount":    data.Amount,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// contractCallHandler records every contract call with its target.
type contractCallHandler struct{}

func (h *contractCallHandler) Name() string { return "contract_calls" }

// DefaultContractCallsDefinition is the table set contract_calls expects.
func DefaultContractCallsDefinition() *Definition {
	return &Definition{Tables: map[string]TableDef{
		"calls": {
			Columns: map[string]string{
				"sender":        "text",
				"contract_id":   "text",
				"function_name": "text",
				"status":        "text",
			},
			Indexes:   []string{"contract_id"},
			Composite: [][]string{{"contract_id", "function_name"}},
		},
	}}
}

func (h *contractCallHandler) HandleBlock(ctx context.Context, tx pgx.Tx, schema string, block *store.Block, txs []store.Transaction, _ []store.Event) error {
	for _, t := range txs {
		if t.Type != "contract_call" || t.ContractID == nil {
			continue
		}
		function := ""
		if t.FunctionName != nil {
			function = *t.FunctionName
		}
		err := insertRow(ctx, tx, schema, "calls", block.Height, t.TxID, map[string]any{
			"sender":        t.Sender,
			"contract_id":   *t.ContractID,
			"function_name": function,
			"status":        t.Status,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
