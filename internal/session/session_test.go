package session

import (
	"testing"

	"rsql.dev/rsql/internal/engine"
	"rsql.dev/rsql/internal/types"
)

func TestSplitStatementsIgnoresSemicolonInString(t *testing.T) {
	got := splitStatements("INSERT INTO t (s) VALUES ('a;b'); SELECT * FROM t")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(got), got)
	}
	if got[1] != " SELECT * FROM t" {
		t.Fatalf("unexpected second statement: %q", got[1])
	}
}

func TestSplitStatementsDropsTrailingEmpty(t *testing.T) {
	got := splitStatements("SELECT 1;   ")
	if len(got) != 1 {
		t.Fatalf("expected 1 statement, got %d: %v", len(got), got)
	}
}

func TestToUniformResultQuery(t *testing.T) {
	res := &engine.ExecResult{
		Kind: "query",
		ResultSet: &engine.ResultSet{
			Columns: []string{"id", "name"},
			Rows: []engine.Row{
				{types.Integer(1), types.VarChar("alice")},
			},
		},
	}
	ur := toUniformResult(res)
	if ur.ResultType != "query" {
		t.Fatalf("expected result_type query, got %s", ur.ResultType)
	}
	data, ok := ur.Data.(QueryData)
	if !ok {
		t.Fatalf("expected QueryData, got %T", ur.Data)
	}
	if data.RowCount != 1 || data.ColumnCount != 2 {
		t.Fatalf("unexpected counts: %+v", data)
	}
	if data.Rows[0][1] != "alice" {
		t.Fatalf("expected alice, got %v", data.Rows[0][1])
	}
}

func TestToUniformResultMutation(t *testing.T) {
	res := &engine.ExecResult{Kind: "mutation", Message: "Insert executed", AffectedRows: 3}
	ur := toUniformResult(res)
	data, ok := ur.Data.(MutationData)
	if !ok {
		t.Fatalf("expected MutationData, got %T", ur.Data)
	}
	if data.AffectedRows != 3 {
		t.Fatalf("expected 3 affected rows, got %d", data.AffectedRows)
	}
}

func TestValueToJSONNull(t *testing.T) {
	if v := valueToJSON(types.Null); v != nil {
		t.Fatalf("expected nil for KindNull, got %v", v)
	}
}
