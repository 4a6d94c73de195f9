package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/secondlayer/streams/internal/sign"
	"github.com/secondlayer/streams/internal/store"
)

// In-process send retries before the job-level failure path takes over.
const dispatchRetries = 2

// Delivery identification on the wire. The X-Delivery-Id header matches
// the delivery row recorded for the attempt.
const (
	deliveryIDHeader = "X-Delivery-Id"
	userAgent        = "SecondLayer/1"
)

// WebhookPayload is the body POSTed to a stream's webhook URL. Downstream
// ordering is by BlockHeight; delivery order across blocks is not
// guaranteed.
type WebhookPayload struct {
	StreamID     string         `json:"stream_id"`
	BlockHeight  int64          `json:"block_height"`
	BlockHash    string         `json:"block_hash"`
	Timestamp    int64          `json:"timestamp"`
	Transactions []TxSummary    `json:"transactions"`
	Events       []EventSummary `json:"events"`
}

// TxSummary is the webhook projection of a transaction.
type TxSummary struct {
	TxID         string  `json:"tx_id"`
	Type         string  `json:"type"`
	Sender       string  `json:"sender"`
	Status       string  `json:"status"`
	ContractID   *string `json:"contract_id,omitempty"`
	FunctionName *string `json:"function_name,omitempty"`
}

// EventSummary is the webhook projection of an event.
type EventSummary struct {
	TxID       string          `json:"tx_id"`
	EventIndex int32           `json:"event_index"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// sendResult classifies one webhook attempt.
type sendResult struct {
	httpStatus int
	latency    time.Duration
	err        error
}

// retryable reports whether the job should be failed back to pending:
// network errors, 5xx, and 429. Other non-2xx statuses are permanent
// client errors.
func (r *sendResult) retryable() bool {
	if r.err != nil {
		return true
	}
	return r.httpStatus >= 500 || r.httpStatus == http.StatusTooManyRequests
}

func (r *sendResult) delivered() bool {
	return r.err == nil && r.httpStatus >= 200 && r.httpStatus < 300
}

func (r *sendResult) errorString() string {
	if r.err != nil {
		return r.err.Error()
	}
	return fmt.Sprintf("http %d", r.httpStatus)
}

func buildPayload(st *store.Stream, block *store.Block, txs []store.Transaction, events []store.Event) ([]byte, error) {
	p := WebhookPayload{
		StreamID:     st.ID,
		BlockHeight:  block.Height,
		BlockHash:    block.Hash,
		Timestamp:    block.Timestamp,
		Transactions: make([]TxSummary, 0, len(txs)),
		Events:       make([]EventSummary, 0, len(events)),
	}
	for _, tx := range txs {
		p.Transactions = append(p.Transactions, TxSummary{
			TxID:         tx.TxID,
			Type:         tx.Type,
			Sender:       tx.Sender,
			Status:       tx.Status,
			ContractID:   tx.ContractID,
			FunctionName: tx.FunctionName,
		})
	}
	for _, ev := range events {
		p.Events = append(p.Events, EventSummary{
			TxID:       ev.TxID,
			EventIndex: ev.EventIndex,
			Type:       ev.Type,
			Payload:    ev.Payload,
		})
	}
	return json.Marshal(p)
}

// send signs and POSTs the payload, retrying transport-level failures a
// few times in process. HTTP responses, success or not, end the retry
// loop; their classification is the caller's business.
func (w *Worker) send(ctx context.Context, url, secret, deliveryID string, body []byte) *sendResult {
	started := time.Now()
	res := &sendResult{}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set(deliveryIDHeader, deliveryID)
		req.Header.Set(sign.Header, sign.Sign(secret, body, time.Now()))

		resp, err := w.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		res.httpStatus = resp.StatusCode
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dispatchRetries), ctx)
	res.err = backoff.Retry(attempt, bo)
	res.latency = time.Since(started)
	return res
}
