// Package upstream is the HTTP client for the chain node and its indexer
// API. The pipeline normally runs push-driven; this client covers the
// pull paths: tip polling, gap backfill, and transaction lookups.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/secondlayer/streams/internal/parse"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("upstream: not found")

// Client talks to the chain node (tip info) and the indexer API (blocks
// and transactions).
type Client struct {
	nodeURL string
	apiURL  string
	http    *http.Client
}

// New creates a client with the given endpoints and HTTP timeout.
func New(nodeURL, apiURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		nodeURL: strings.TrimRight(nodeURL, "/"),
		apiURL:  strings.TrimRight(apiURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type nodeInfo struct {
	StacksTipHeight int64 `json:"stacks_tip_height"`
}

// TipHeight returns the node's current chain tip height.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	var info nodeInfo
	if err := c.get(ctx, c.nodeURL+"/v2/info", &info); err != nil {
		return 0, fmt.Errorf("tip height: %w", err)
	}
	return info.StacksTipHeight, nil
}

type apiBlock struct {
	Height          int64    `json:"height"`
	Hash            string   `json:"hash"`
	ParentBlockHash string   `json:"parent_block_hash"`
	BurnBlockHeight int64    `json:"burn_block_height"`
	BurnBlockTime   int64    `json:"burn_block_time"`
	Txs             []string `json:"txs"`
}

type apiTx struct {
	TxID          string `json:"tx_id"`
	TxType        string `json:"tx_type"`
	SenderAddress string `json:"sender_address"`
	TxStatus      string `json:"tx_status"`
	ContractCall  *struct {
		ContractID   string `json:"contract_id"`
		FunctionName string `json:"function_name"`
	} `json:"contract_call,omitempty"`
	SmartContract *struct {
		ContractID string `json:"contract_id"`
	} `json:"smart_contract,omitempty"`
	Events []apiEvent `json:"events"`
}

type apiEvent struct {
	EventIndex  int32           `json:"event_index"`
	EventType   string          `json:"event_type"`
	Asset       json.RawMessage `json:"asset,omitempty"`
	ContractLog json.RawMessage `json:"contract_log,omitempty"`
}

// BlockByHeight reassembles a push-shaped payload for a missed block: the
// block header from the API plus one transaction lookup per tx, events
// included. One call per missing block keeps backfill rate-limitable.
func (c *Client) BlockByHeight(ctx context.Context, height int64) (*parse.BlockPayload, error) {
	var blk apiBlock
	url := fmt.Sprintf("%s/extended/v1/block/by_height/%d", c.apiURL, height)
	if err := c.get(ctx, url, &blk); err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}

	bp := &parse.BlockPayload{
		BlockHeight:          blk.Height,
		IndexBlockHash:       blk.Hash,
		ParentIndexBlockHash: blk.ParentBlockHash,
		BurnBlockHeight:      blk.BurnBlockHeight,
		BurnBlockTime:        blk.BurnBlockTime,
	}

	for _, txID := range blk.Txs {
		tx, err := c.transaction(ctx, txID)
		if err != nil {
			return nil, fmt.Errorf("block %d tx %s: %w", height, txID, err)
		}
		bp.Transactions = append(bp.Transactions, parse.TxPayload{
			TxID:         tx.TxID,
			Status:       tx.TxStatus,
			Type:         tx.TxType,
			Sender:       tx.SenderAddress,
			ContractID:   tx.contractID(),
			FunctionName: tx.functionName(),
		})
		for _, ev := range tx.Events {
			bp.Events = append(bp.Events, toEventPayload(tx.TxID, ev))
		}
	}
	return bp, nil
}

// LookupTransaction implements parse.TxLookup.
func (c *Client) LookupTransaction(ctx context.Context, txID string) (*parse.TxInfo, error) {
	tx, err := c.transaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	return &parse.TxInfo{
		Type:         tx.TxType,
		Sender:       tx.SenderAddress,
		ContractID:   tx.contractID(),
		FunctionName: tx.functionName(),
	}, nil
}

func (c *Client) transaction(ctx context.Context, txID string) (*apiTx, error) {
	var tx apiTx
	if err := c.get(ctx, c.apiURL+"/extended/v1/tx/"+txID, &tx); err != nil {
		return nil, fmt.Errorf("tx %s: %w", txID, err)
	}
	return &tx, nil
}

func (t *apiTx) contractID() string {
	if t.ContractCall != nil {
		return t.ContractCall.ContractID
	}
	if t.SmartContract != nil {
		return t.SmartContract.ContractID
	}
	return ""
}

func (t *apiTx) functionName() string {
	if t.ContractCall != nil {
		return t.ContractCall.FunctionName
	}
	return ""
}

// toEventPayload maps an API event onto the push event shape so backfilled
// blocks flow through the same parser as live pushes.
func toEventPayload(txID string, ev apiEvent) parse.EventPayload {
	ep := parse.EventPayload{TxID: txID, EventIndex: ev.EventIndex}
	switch ev.EventType {
	case "stx_asset":
		ep.Type = "stx_transfer_event"
		ep.STXTransfer = ev.Asset
	case "fungible_token_asset":
		ep.Type = "ft_transfer_event"
		ep.FTTransfer = ev.Asset
	case "non_fungible_token_asset":
		ep.Type = "nft_transfer_event"
		ep.NFTTransfer = ev.Asset
	case "smart_contract_log":
		ep.Type = "smart_contract_log"
		ep.ContractLog = ev.ContractLog
	default:
		ep.Type = ev.EventType
	}
	return ep
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
