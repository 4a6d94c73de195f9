package parse

import (
	"bytes"
	"strings"
	"testing"
)

func TestC32AddressPrefixes(t *testing.T) {
	hash160 := bytes.Repeat([]byte{0xab}, 20)

	cases := []struct {
		version byte
		prefix  string
	}{
		{versionMainnetSingleSig, "SP"},
		{versionMainnetMultiSig, "SM"},
		{versionTestnetSingleSig, "ST"},
		{versionTestnetMultiSig, "SN"},
	}
	for _, c := range cases {
		addr := c32Address(c.version, hash160)
		if !strings.HasPrefix(addr, c.prefix) {
			t.Errorf("version %d: got %s, want prefix %s", c.version, addr, c.prefix)
		}
	}
}

func TestC32AddressDeterministic(t *testing.T) {
	hash160 := bytes.Repeat([]byte{0x42}, 20)
	if c32Address(22, hash160) != c32Address(22, hash160) {
		t.Fatal("same inputs produced different addresses")
	}
}

func TestC32AddressDistinguishesInputs(t *testing.T) {
	a := c32Address(22, bytes.Repeat([]byte{0x01}, 20))
	b := c32Address(22, bytes.Repeat([]byte{0x02}, 20))
	if a == b {
		t.Fatal("distinct hash160s produced the same address")
	}
}

func TestC32EncodePreservesLeadingZeros(t *testing.T) {
	enc := c32Encode([]byte{0x00, 0x00, 0x01})
	if !strings.HasPrefix(enc, "00") {
		t.Fatalf("leading zero bytes not preserved: %s", enc)
	}
}

func TestC32EncodeAlphabet(t *testing.T) {
	enc := c32Encode([]byte{0xde, 0xad, 0xbe, 0xef})
	for _, r := range enc {
		if !strings.ContainsRune(c32alphabet, r) {
			t.Fatalf("character %q outside alphabet in %s", r, enc)
		}
	}
}
