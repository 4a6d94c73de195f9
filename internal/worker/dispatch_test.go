package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/secondlayer/streams/config"
	"github.com/secondlayer/streams/internal/sign"
	"github.com/secondlayer/streams/internal/store"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	return New(config.WorkerConfig{
		Concurrency:    2,
		WebhookTimeout: 2 * time.Second,
		MaxAttempts:    10,
	}, config.QueueConfig{}, nil)
}

func TestSendSignsRequest(t *testing.T) {
	var gotSig, gotDeliveryID, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(sign.Header)
		gotDeliveryID = r.Header.Get(deliveryIDHeader)
		gotUA = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := newTestWorker(t)
	body := []byte(`{"block_height":120}`)
	res := w.send(context.Background(), srv.URL, "whsec_test", "d-123", body)

	if !res.delivered() {
		t.Fatalf("not delivered: %+v", res)
	}
	if err := sign.Verify("whsec_test", gotBody, gotSig, time.Now(), sign.DefaultTolerance); err != nil {
		t.Fatalf("receiver-side verify: %v", err)
	}
	if gotDeliveryID != "d-123" {
		t.Errorf("delivery id header = %q", gotDeliveryID)
	}
	if gotUA != userAgent {
		t.Errorf("user agent = %q", gotUA)
	}
}

func TestSendClassification(t *testing.T) {
	cases := []struct {
		status    int
		delivered bool
		retryable bool
	}{
		{200, true, false},
		{204, true, false},
		{404, false, false},
		{410, false, false},
		{429, false, true},
		{500, false, true},
		{503, false, true},
	}

	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
		}))

		w := newTestWorker(t)
		res := w.send(context.Background(), srv.URL, "s", "d-1", []byte(`{}`))
		srv.Close()

		if res.delivered() != c.delivered {
			t.Errorf("status %d: delivered = %v, want %v", c.status, res.delivered(), c.delivered)
		}
		if res.retryable() != c.retryable {
			t.Errorf("status %d: retryable = %v, want %v", c.status, res.retryable(), c.retryable)
		}
	}
}

func TestSendNetworkErrorIsRetryable(t *testing.T) {
	w := newTestWorker(t)
	res := w.send(context.Background(), "http://127.0.0.1:1", "s", "d-1", []byte(`{}`))
	if res.delivered() {
		t.Fatal("delivered against closed port")
	}
	if !res.retryable() {
		t.Fatal("network error not retryable")
	}
}

func TestBuildPayloadShape(t *testing.T) {
	st := &store.Stream{ID: "11111111-1111-1111-1111-111111111111"}
	block := &store.Block{Height: 120, Hash: "0xbb", Timestamp: 1700000000}
	txs := []store.Transaction{{TxID: "0xt1", Type: "contract_call", Sender: "SP1AAA", Status: "success"}}
	events := []store.Event{{TxID: "0xt1", EventIndex: 0, Type: "smart_contract_log", Payload: []byte(`{"topic":"print"}`)}}

	body, err := buildPayload(st, block, txs, events)
	if err != nil {
		t.Fatal(err)
	}

	var decoded WebhookPayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.BlockHeight != 120 || decoded.BlockHash != "0xbb" {
		t.Errorf("block fields = %d/%s", decoded.BlockHeight, decoded.BlockHash)
	}
	if len(decoded.Transactions) != 1 || len(decoded.Events) != 1 {
		t.Errorf("got %d txs, %d events", len(decoded.Transactions), len(decoded.Events))
	}
}

func TestBuildPayloadEmptyListsNotNull(t *testing.T) {
	st := &store.Stream{ID: "11111111-1111-1111-1111-111111111111"}
	block := &store.Block{Height: 120, Hash: "0xbb"}

	body, err := buildPayload(st, block, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["transactions"]) != "[]" || string(raw["events"]) != "[]" {
		t.Errorf("lists serialized as %s / %s, want []", raw["transactions"], raw["events"])
	}
}
