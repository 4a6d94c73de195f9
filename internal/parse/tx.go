package parse

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/secondlayer/streams/internal/log"
	"github.com/secondlayer/streams/internal/store"
)

// Transaction types.
const (
	TypeTokenTransfer = "token_transfer"
	TypeSmartContract = "smart_contract"
	TypeContractCall  = "contract_call"
	TypeUnknown       = "unknown"
)

// Wire constants of the raw transaction encoding.
const (
	txVersionMainnet = 0x00

	hashModeP2PKH  = 0x00
	hashModeP2SH   = 0x01
	hashModeP2WPKH = 0x02
	hashModeP2WSH  = 0x03

	payloadTokenTransfer = 0x00
	payloadSmartContract = 0x01
	payloadContractCall  = 0x02

	// version(1) chainID(4) authType(1) hashMode(1) hash160(20).
	senderPrefixLen = 27
	// nonce(8) fee(8) keyEncoding(1) signature(65) after the sender prefix,
	// then anchorMode(1) postConditionMode(1) postConditionCount(4).
	singleSigPayloadOffset = senderPrefixLen + 82 + 6
)

var errUndecodable = errors.New("undecodable raw transaction")

// decoded carries the fields recovered from raw wire bytes. Empty strings
// mean the field could not be recovered.
type decoded struct {
	Type         string
	Sender       string
	ContractID   string
	FunctionName string
}

// decodeRawTx recovers sender and payload fields from raw transaction
// bytes. The sender comes from the fixed-length auth prefix; payload
// fields are only reachable for single-sig transactions with no post
// conditions, where the payload offset is fixed.
func decodeRawTx(raw []byte) (*decoded, error) {
	if len(raw) < senderPrefixLen {
		return nil, errUndecodable
	}

	version := raw[0]
	hashMode := raw[6]

	var addrVersion byte
	switch {
	case version == txVersionMainnet && (hashMode == hashModeP2PKH || hashMode == hashModeP2WPKH):
		addrVersion = versionMainnetSingleSig
	case version == txVersionMainnet:
		addrVersion = versionMainnetMultiSig
	case hashMode == hashModeP2PKH || hashMode == hashModeP2WPKH:
		addrVersion = versionTestnetSingleSig
	default:
		addrVersion = versionTestnetMultiSig
	}

	d := &decoded{Sender: c32Address(addrVersion, raw[7:27])}

	// Multisig spending conditions have a variable-length auth section, so
	// the payload offset is unknown; the sender alone is still useful.
	if hashMode != hashModeP2PKH && hashMode != hashModeP2WPKH {
		return d, nil
	}
	if len(raw) < singleSigPayloadOffset+1 {
		return d, nil
	}

	postConditions := binary.BigEndian.Uint32(raw[singleSigPayloadOffset-4 : singleSigPayloadOffset])
	if postConditions != 0 {
		// Post conditions are variable length; cannot reach the payload.
		return d, nil
	}

	body := raw[singleSigPayloadOffset:]
	switch body[0] {
	case payloadTokenTransfer:
		d.Type = TypeTokenTransfer

	case payloadSmartContract:
		d.Type = TypeSmartContract
		if name, ok := readShortString(body[1:]); ok {
			d.ContractID = d.Sender + "." + name
		}

	case payloadContractCall:
		d.Type = TypeContractCall
		if len(body) < 23 {
			break
		}
		contractAddr := c32Address(body[1]&0x1f, body[2:22])
		rest := body[22:]
		name, ok := readShortString(rest)
		if !ok {
			break
		}
		d.ContractID = contractAddr + "." + name
		fn, ok := readShortString(rest[1+len(name):])
		if ok {
			d.FunctionName = fn
		}
	}
	return d, nil
}

// readShortString reads a 1-byte-length-prefixed string.
func readShortString(b []byte) (string, bool) {
	if len(b) < 1 {
		return "", false
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", false
	}
	return string(b[1 : 1+n]), true
}

// TxInfo is the result of an upstream API lookup, used when raw decode
// comes up short.
type TxInfo struct {
	Type         string
	Sender       string
	ContractID   string
	FunctionName string
}

// TxLookup resolves transaction details from the upstream indexer API.
type TxLookup interface {
	LookupTransaction(ctx context.Context, txID string) (*TxInfo, error)
}

// Parser converts push payloads into store entities.
type Parser struct {
	lookup TxLookup
}

// New returns a Parser. lookup may be nil, which disables the HTTP
// fallback rung of the decode ladder.
func New(lookup TxLookup) *Parser {
	return &Parser{lookup: lookup}
}

// Transaction resolves one transaction through the decode ladder: raw
// bytes, then upstream lookup, then payload hints, then "unknown". A
// transaction with a tx_id is never dropped.
func (p *Parser) Transaction(ctx context.Context, height int64, tp TxPayload) store.Transaction {
	t := store.Transaction{
		TxID:        tp.TxID,
		BlockHeight: height,
		Type:        TypeUnknown,
		Sender:      TypeUnknown,
		Status:      tp.Status,
	}
	if t.Status == "" {
		t.Status = "success"
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(tp.RawTx, "0x"))
	if err != nil {
		// hex returns the bytes decoded so far; a truncated prefix must
		// not reach the wire decoder.
		raw = nil
	}
	t.RawTx = raw

	var d *decoded
	if len(raw) > 0 {
		d, _ = decodeRawTx(raw)
	}
	if d != nil {
		apply(&t, d.Type, d.Sender, d.ContractID, d.FunctionName)
	}

	if needsResolve(&t) && p.lookup != nil {
		info, err := p.lookup.LookupTransaction(ctx, tp.TxID)
		if err != nil {
			log.Upstream.Debug().Err(err).Str("tx_id", tp.TxID).Msg("tx lookup fallback failed")
		} else if info != nil {
			apply(&t, info.Type, info.Sender, info.ContractID, info.FunctionName)
		}
	}

	apply(&t, tp.Type, tp.Sender, tp.ContractID, tp.FunctionName)
	return t
}

// apply fills still-unknown fields, never overwriting resolved ones.
func apply(t *store.Transaction, typ, sender, contractID, functionName string) {
	if t.Type == TypeUnknown && typ != "" {
		t.Type = typ
	}
	if t.Sender == TypeUnknown && sender != "" {
		t.Sender = sender
	}
	if t.ContractID == nil && contractID != "" {
		t.ContractID = &contractID
	}
	if t.FunctionName == nil && functionName != "" {
		t.FunctionName = &functionName
	}
}

func needsResolve(t *store.Transaction) bool {
	if t.Type == TypeUnknown || t.Sender == TypeUnknown {
		return true
	}
	if t.Type == TypeContractCall && (t.ContractID == nil || t.FunctionName == nil) {
		return true
	}
	return false
}

// Block converts the block header fields of a push payload. Genesis pushes
// arrive without a burn timestamp; it defaults to zero.
func (p *Parser) Block(bp *BlockPayload) (*store.Block, error) {
	if bp.BlockHeight < 1 {
		return nil, fmt.Errorf("invalid block height %d", bp.BlockHeight)
	}
	if bp.IndexBlockHash == "" {
		return nil, errors.New("missing block hash")
	}
	return &store.Block{
		Height:          bp.BlockHeight,
		Hash:            bp.IndexBlockHash,
		ParentHash:      bp.ParentIndexBlockHash,
		BurnBlockHeight: bp.BurnBlockHeight,
		Timestamp:       bp.BurnBlockTime,
		Canonical:       true,
	}, nil
}

// Events converts the event list, dropping entries with no type and
// preserving each event's structured payload.
func (p *Parser) Events(height int64, eps []EventPayload) []store.Event {
	out := make([]store.Event, 0, len(eps))
	for _, ep := range eps {
		if ep.Type == "" {
			log.Indexer.Warn().Str("tx_id", ep.TxID).Int32("index", ep.EventIndex).Msg("dropping untyped event")
			continue
		}
		data := ep.Data()
		if data == nil {
			data = []byte(`{}`)
		}
		out = append(out, store.Event{
			TxID:        ep.TxID,
			BlockHeight: height,
			EventIndex:  ep.EventIndex,
			Type:        ep.Type,
			Payload:     data,
		})
	}
	return out
}

// Transactions runs the decode ladder over a block's transaction list.
func (p *Parser) Transactions(ctx context.Context, height int64, tps []TxPayload) []store.Transaction {
	out := make([]store.Transaction, 0, len(tps))
	for _, tp := range tps {
		if tp.TxID == "" {
			continue
		}
		out = append(out, p.Transaction(ctx, height, tp))
	}
	return out
}
