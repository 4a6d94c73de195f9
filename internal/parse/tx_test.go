package parse

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
)

// buildRawTx assembles wire bytes for a single-sig transaction with zero
// post conditions and the given payload body.
func buildRawTx(version byte, payload []byte) []byte {
	raw := make([]byte, 0, singleSigPayloadOffset+len(payload))
	raw = append(raw, version)
	raw = append(raw, 0, 0, 0, 1) // chain id
	raw = append(raw, 0x04)       // standard auth
	raw = append(raw, hashModeP2PKH)
	for i := 0; i < 20; i++ {
		raw = append(raw, byte(i+1)) // signer hash160
	}
	raw = append(raw, make([]byte, 82)...) // nonce, fee, key encoding, signature
	raw = append(raw, 0x03)                // anchor mode
	raw = append(raw, 0x01)                // post-condition mode
	raw = binary.BigEndian.AppendUint32(raw, 0)
	return append(raw, payload...)
}

func contractCallPayload(contractName, functionName string) []byte {
	p := []byte{payloadContractCall, versionMainnetSingleSig}
	for i := 0; i < 20; i++ {
		p = append(p, 0xcc)
	}
	p = append(p, byte(len(contractName)))
	p = append(p, contractName...)
	p = append(p, byte(len(functionName)))
	p = append(p, functionName...)
	return p
}

func TestDecodeContractCall(t *testing.T) {
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))

	d, err := decodeRawTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Type != TypeContractCall {
		t.Errorf("type = %s, want %s", d.Type, TypeContractCall)
	}
	if d.FunctionName != "increment" {
		t.Errorf("function = %s, want increment", d.FunctionName)
	}

	var contractHash [20]byte
	for i := range contractHash {
		contractHash[i] = 0xcc
	}
	wantContract := c32Address(versionMainnetSingleSig, contractHash[:]) + ".counter"
	if d.ContractID != wantContract {
		t.Errorf("contract_id = %s, want %s", d.ContractID, wantContract)
	}
}

func TestDecodeSmartContractDeploy(t *testing.T) {
	payload := []byte{payloadSmartContract, 5}
	payload = append(payload, "vault"...)
	raw := buildRawTx(txVersionMainnet, payload)

	d, err := decodeRawTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Type != TypeSmartContract {
		t.Errorf("type = %s, want %s", d.Type, TypeSmartContract)
	}
	if d.ContractID != d.Sender+".vault" {
		t.Errorf("contract_id = %s, want sender-qualified vault", d.ContractID)
	}
}

func TestDecodeSenderNetworkVersion(t *testing.T) {
	mainnet := buildRawTx(txVersionMainnet, []byte{payloadTokenTransfer})
	testnet := buildRawTx(0x80, []byte{payloadTokenTransfer})

	dm, err := decodeRawTx(mainnet)
	if err != nil {
		t.Fatal(err)
	}
	dt, err := decodeRawTx(testnet)
	if err != nil {
		t.Fatal(err)
	}

	if dm.Sender[:2] != "SP" {
		t.Errorf("mainnet sender prefix = %s, want SP", dm.Sender[:2])
	}
	if dt.Sender[:2] != "ST" {
		t.Errorf("testnet sender prefix = %s, want ST", dt.Sender[:2])
	}
}

func TestDecodeTruncatedRawTx(t *testing.T) {
	if _, err := decodeRawTx([]byte{0x00, 0x01}); !errors.Is(err, errUndecodable) {
		t.Fatalf("want errUndecodable, got %v", err)
	}
}

func TestDecodeStopsAtPostConditions(t *testing.T) {
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))
	// Flip the post-condition count; payload decode must be skipped.
	binary.BigEndian.PutUint32(raw[singleSigPayloadOffset-4:singleSigPayloadOffset], 2)

	d, err := decodeRawTx(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Type != "" {
		t.Errorf("type decoded past post conditions: %s", d.Type)
	}
	if d.Sender == "" {
		t.Error("sender should still decode from the fixed prefix")
	}
}

type stubLookup struct {
	info *TxInfo
	err  error
}

func (s *stubLookup) LookupTransaction(_ context.Context, _ string) (*TxInfo, error) {
	return s.info, s.err
}

func TestTransactionLadderUsesRawDecode(t *testing.T) {
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))
	p := New(&stubLookup{err: errors.New("should not be called")})

	tx := p.Transaction(context.Background(), 120, TxPayload{
		TxID:  "0xabc",
		RawTx: hex.EncodeToString(raw),
	})

	if tx.Type != TypeContractCall {
		t.Errorf("type = %s, want %s", tx.Type, TypeContractCall)
	}
	if tx.FunctionName == nil || *tx.FunctionName != "increment" {
		t.Errorf("function = %v, want increment", tx.FunctionName)
	}
	if tx.BlockHeight != 120 {
		t.Errorf("block height = %d", tx.BlockHeight)
	}
}

func TestTransactionLadderRejectsMalformedHex(t *testing.T) {
	// A valid wire prefix followed by garbage: hex decoding yields the
	// prefix before erroring, which must not reach the decoder and mint
	// a sender.
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))
	p := New(nil)

	tx := p.Transaction(context.Background(), 120, TxPayload{
		TxID:  "0xabc",
		RawTx: hex.EncodeToString(raw) + "zz",
	})

	if tx.Type != TypeUnknown || tx.Sender != TypeUnknown {
		t.Errorf("got type=%s sender=%s, want unknown/unknown", tx.Type, tx.Sender)
	}
	if tx.RawTx != nil {
		t.Errorf("raw tx stored despite malformed hex")
	}
}

func TestTransactionLadderFallsBackToLookup(t *testing.T) {
	p := New(&stubLookup{info: &TxInfo{
		Type:   TypeTokenTransfer,
		Sender: "SP000000000000000000002Q6VF78",
	}})

	tx := p.Transaction(context.Background(), 120, TxPayload{TxID: "0xdef", RawTx: "zz"})

	if tx.Type != TypeTokenTransfer {
		t.Errorf("type = %s, want %s from lookup", tx.Type, TypeTokenTransfer)
	}
	if tx.Sender != "SP000000000000000000002Q6VF78" {
		t.Errorf("sender = %s", tx.Sender)
	}
}

func TestTransactionLadderFallsBackToPayloadHints(t *testing.T) {
	p := New(&stubLookup{err: errors.New("api down")})

	tx := p.Transaction(context.Background(), 120, TxPayload{
		TxID:   "0x123",
		Type:   TypeContractCall,
		Sender: "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG",
	})

	if tx.Type != TypeContractCall {
		t.Errorf("type = %s, want payload hint", tx.Type)
	}
	if tx.Sender != "ST2CY5V39NHDPWSXMW9QDT3HC3GD6Q6XX4CFRK9AG" {
		t.Errorf("sender = %s, want payload hint", tx.Sender)
	}
}

func TestTransactionLadderBottomsOutUnknown(t *testing.T) {
	p := New(nil)

	tx := p.Transaction(context.Background(), 120, TxPayload{TxID: "0x999"})

	if tx.Type != TypeUnknown || tx.Sender != TypeUnknown {
		t.Errorf("got type=%s sender=%s, want unknown/unknown", tx.Type, tx.Sender)
	}
	if tx.Status != "success" {
		t.Errorf("status = %s, want success default", tx.Status)
	}
}

func TestEventsDropUntyped(t *testing.T) {
	p := New(nil)

	events := p.Events(120, []EventPayload{
		{TxID: "0xa", EventIndex: 0, Type: "stx_transfer_event", STXTransfer: []byte(`{"amount":"100"}`)},
		{TxID: "0xa", EventIndex: 1},
		{TxID: "0xb", EventIndex: 0, Type: "smart_contract_log", ContractLog: []byte(`{"topic":"print"}`)},
	})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if string(events[0].Payload) != `{"amount":"100"}` {
		t.Errorf("payload not preserved: %s", events[0].Payload)
	}
}

func TestBlockRejectsMissingFields(t *testing.T) {
	p := New(nil)

	if _, err := p.Block(&BlockPayload{BlockHeight: 0, IndexBlockHash: "0xaa"}); err == nil {
		t.Error("height 0 accepted")
	}
	if _, err := p.Block(&BlockPayload{BlockHeight: 5}); err == nil {
		t.Error("missing hash accepted")
	}

	b, err := p.Block(&BlockPayload{BlockHeight: 5, IndexBlockHash: "0xaa", ParentIndexBlockHash: "0xbb"})
	if err != nil {
		t.Fatal(err)
	}
	if !b.Canonical || b.Timestamp != 0 {
		t.Errorf("block = %+v", b)
	}
}
