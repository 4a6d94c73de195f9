package views

import (
	"strings"
	"testing"
)

func TestParseDefinitionValid(t *testing.T) {
	def, err := ParseDefinition([]byte(`{
		"tables": {
			"transfers": {
				"columns": {"sender": "text", "amount": "numeric"},
				"indexes": ["sender"],
				"composite_indexes": [["sender", "amount"]]
			}
		}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(def.Tables) != 1 {
		t.Fatalf("tables = %d", len(def.Tables))
	}
}

func TestParseDefinitionRejects(t *testing.T) {
	cases := map[string]string{
		"no tables":        `{"tables": {}}`,
		"bad table name":   `{"tables": {"Drop Table": {"columns": {"a": "text"}}}}`,
		"bad column name":  `{"tables": {"t": {"columns": {"a;--": "text"}}}}`,
		"bad column type":  `{"tables": {"t": {"columns": {"a": "text; DROP TABLE blocks"}}}}`,
		"no columns":       `{"tables": {"t": {"columns": {}}}}`,
		"index on unknown": `{"tables": {"t": {"columns": {"a": "text"}, "indexes": ["b"]}}}`,
		"unique unknown":   `{"tables": {"t": {"columns": {"a": "text"}, "unique": [["b"]]}}}`,
	}
	for name, raw := range cases {
		if _, err := ParseDefinition([]byte(raw)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestDefinitionHashStable(t *testing.T) {
	a, err := ParseDefinition([]byte(`{"tables":{"t":{"columns":{"a":"text","b":"bigint"}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	// Same definition, different key order in source JSON.
	b, err := ParseDefinition([]byte(`{"tables":{"t":{"columns":{"b":"bigint","a":"text"}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() != b.Hash() {
		t.Fatal("hash depends on source key order")
	}

	c, err := ParseDefinition([]byte(`{"tables":{"t":{"columns":{"a":"text","b":"int"}}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == c.Hash() {
		t.Fatal("different definitions share a hash")
	}
}

func TestTableDDLShape(t *testing.T) {
	td := &TableDef{
		Columns: map[string]string{"sender": "text", "amount": "numeric"},
		Indexes: []string{"sender"},
		Unique:  [][]string{{"sender", "amount"}},
	}
	stmts := tableDDL("view_transfers", "transfers", td)

	create := stmts[0]
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "view_transfers"."transfers"`,
		"_id BIGSERIAL PRIMARY KEY",
		"_block_height BIGINT NOT NULL",
		"_tx_id TEXT",
		"_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
		`"sender" text`,
		`"amount" numeric`,
	} {
		if !strings.Contains(create, want) {
			t.Errorf("create missing %q:\n%s", want, create)
		}
	}

	joined := strings.Join(stmts[1:], "\n")
	for _, want := range []string{
		`"transfers__block_height_idx"`,
		`"transfers__tx_id_idx"`,
		`"transfers_sender_idx"`,
		`CREATE UNIQUE INDEX IF NOT EXISTS "transfers_sender_amount_key"`,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("indexes missing %q:\n%s", want, joined)
		}
	}
}

func TestRegistryBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"event_log", "token_transfers", "contract_calls"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("builtin %s not registered", name)
		}
	}
	if _, ok := reg.Get("nope"); ok {
		t.Error("unknown handler resolved")
	}
}

func TestBuiltinDefinitionsParse(t *testing.T) {
	for name, def := range map[string]*Definition{
		"event_log":       DefaultEventLogDefinition(),
		"token_transfers": DefaultTokenTransfersDefinition(),
		"contract_calls":  DefaultContractCallsDefinition(),
	} {
		if len(def.Tables) == 0 {
			t.Errorf("%s: empty definition", name)
		}
		for table, td := range def.Tables {
			for col, typ := range td.Columns {
				if !identifierRe.MatchString(col) || !columnTypes[typ] {
					t.Errorf("%s.%s: bad column %s %s", name, table, col, typ)
				}
			}
		}
	}
}
