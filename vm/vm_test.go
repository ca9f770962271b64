package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/compiler"
)

func newTestEngine(t *testing.T) *btree.Engine {
	t.Helper()
	e, err := btree.New(true, "", btree.Options{PageSize: 4096, CacheSize: 64, RebalanceThreshold: 0.5})
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// buildCreateTablePlan compiles a fixed bytecode program creating a table
// with an INTEGER primary key id column and a TEXT name column, mirroring
// what the planner would emit for CREATE TABLE t (id INTEGER PRIMARY KEY,
// name TEXT).
func buildCreateTablePlan(version, table string) *ExecutionPlan {
	p := NewExecutionPlan(version, false)
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 1})
	p.Append(&CreateBTreeCmd{P1: 1})
	p.Append(&DefineTableCmd{
		P1: 1, P4: table,
		Columns: []catalog.Column{
			{Name: "id", ColType: "INTEGER", PrimaryKey: true},
			{Name: "name", ColType: "TEXT", Nullable: true},
		},
	})
	p.Append(&HaltCmd{})
	return p
}

func buildInsertPlan(version string, root int, id int64, name string) *ExecutionPlan {
	p := NewExecutionPlan(version, false)
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 1})
	p.Append(&OpenWriteCmd{P1: 1, P2: root})
	p.Append(&IntegerCmd{P1: int(id), P2: 1})
	p.Append(&StringCmd{P4: name, P2: 2})
	p.Append(&MakeRecordCmd{P1: 1, P2: 2, P3: 3})
	p.Append(&InsertCmd{P1: 1, P2: 3, P3: 1})
	p.Append(&HaltCmd{})
	return p
}

func buildScanAllPlan(version string, root int) *ExecutionPlan {
	p := NewExecutionPlan(version, false)
	p.ResultHeader = []string{"id", "name"}
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 0})
	p.Append(&OpenReadCmd{P1: 1, P2: root})
	p.Append(&RewindCmd{P1: 1, P2: 8})
	p.Append(&ColumnCmd{P1: 1, P2: 0, P3: 1})
	p.Append(&ColumnCmd{P1: 1, P2: 1, P3: 2})
	p.Append(&ResultRowCmd{P1: 1, P2: 2})
	p.Append(&NextCmd{P1: 1, P2: 4})
	p.Append(&HaltCmd{})
	return p
}

func TestVMCreateInsertScan(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)

	version := e.GetCatalog().GetVersion()
	createRes := v.Execute(buildCreateTablePlan(version, "widgets"))
	if createRes.Err != nil {
		t.Fatalf("create table: %v", createRes.Err)
	}

	root, err := e.GetCatalog().GetRootPageNumber("widgets")
	if err != nil {
		t.Fatalf("root page: %v", err)
	}

	version = e.GetCatalog().GetVersion()
	for i, name := range []string{"a", "b", "c"} {
		res := v.Execute(buildInsertPlan(version, root, int64(i+1), name))
		if res.Err != nil {
			t.Fatalf("insert %d: %v", i, res.Err)
		}
	}

	scanRes := v.Execute(buildScanAllPlan(version, root))
	if scanRes.Err != nil {
		t.Fatalf("scan: %v", scanRes.Err)
	}
	if len(scanRes.ResultRows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(scanRes.ResultRows))
	}
	if *scanRes.ResultRows[0][1] != "a" {
		t.Errorf("expected first row name a, got %s", *scanRes.ResultRows[0][1])
	}
}

func TestVMVersionChanged(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)

	createRes := v.Execute(buildCreateTablePlan(e.GetCatalog().GetVersion(), "widgets"))
	if createRes.Err != nil {
		t.Fatalf("create table: %v", createRes.Err)
	}

	stale := v.Execute(buildCreateTablePlan("stale-version", "gadgets"))
	if stale.Err != ErrVersionChanged {
		t.Fatalf("expected ErrVersionChanged, got %v", stale.Err)
	}
}

func TestVMFilterAndEval(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)

	version := e.GetCatalog().GetVersion()
	if res := v.Execute(buildCreateTablePlan(version, "widgets")); res.Err != nil {
		t.Fatalf("create table: %v", res.Err)
	}
	root, err := e.GetCatalog().GetRootPageNumber("widgets")
	if err != nil {
		t.Fatalf("root page: %v", err)
	}
	version = e.GetCatalog().GetVersion()
	for i, name := range []string{"a", "b", "c"} {
		if res := v.Execute(buildInsertPlan(version, root, int64(i+1), name)); res.Err != nil {
			t.Fatalf("insert %d: %v", i, res.Err)
		}
	}

	p := NewExecutionPlan(version, false)
	p.ResultHeader = []string{"id"}
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 0})
	p.Append(&OpenReadCmd{P1: 1, P2: root})
	p.Append(&RewindCmd{P1: 1, P2: 8})
	p.Append(&ColumnCmd{P1: 1, P2: 0, P3: 1})
	p.Append(&FilterCmd{
		P2:      7,
		Expr:    &compiler.Expr{Binary: &compiler.BinaryExpr{Op: compiler.OpGt, Left: &compiler.Expr{ColumnRef: &compiler.ColumnRef{Column: "id"}}, Right: &compiler.Expr{Literal: &compiler.Literal{Numeric: true, NumericLiteral: "1"}}}},
		ColRegs: map[string]int{"id": 1},
	})
	p.Append(&ResultRowCmd{P1: 1, P2: 1})
	p.Append(&NextCmd{P1: 1, P2: 4})
	p.Append(&HaltCmd{})

	res := v.Execute(p)
	if res.Err != nil {
		t.Fatalf("execute: %v", res.Err)
	}
	if len(res.ResultRows) != 2 {
		t.Fatalf("expected 2 rows with id > 1, got %d", len(res.ResultRows))
	}
}

func TestVMAggregateCount(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)

	version := e.GetCatalog().GetVersion()
	if res := v.Execute(buildCreateTablePlan(version, "widgets")); res.Err != nil {
		t.Fatalf("create table: %v", res.Err)
	}
	root, err := e.GetCatalog().GetRootPageNumber("widgets")
	if err != nil {
		t.Fatalf("root page: %v", err)
	}
	version = e.GetCatalog().GetVersion()
	for i, name := range []string{"a", "b"} {
		if res := v.Execute(buildInsertPlan(version, root, int64(i+1), name)); res.Err != nil {
			t.Fatalf("insert %d: %v", i, res.Err)
		}
	}

	p := NewExecutionPlan(version, false)
	p.ResultHeader = []string{"COUNT(*)"}
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 0})
	p.Append(&OpenReadCmd{P1: 1, P2: root})
	p.Append(&RewindCmd{P1: 1, P2: 6})
	p.Append(&AggregateCmd{P1: 1, Kind: AggCount, Star: true})
	p.Append(&NextCmd{P1: 1, P2: 4})
	p.Append(&FinalizeAggregateCmd{P1: 1, P2: 1})
	p.Append(&ResultRowCmd{P1: 1, P2: 1})
	p.Append(&HaltCmd{})

	res := v.Execute(p)
	if res.Err != nil {
		t.Fatalf("execute: %v", res.Err)
	}
	if len(res.ResultRows) != 1 || *res.ResultRows[0][0] != "2" {
		t.Fatalf("expected COUNT(*) of 2, got %#v", res.ResultRows)
	}
}

func TestVMDeleteCollectThenApply(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)

	version := e.GetCatalog().GetVersion()
	if res := v.Execute(buildCreateTablePlan(version, "widgets")); res.Err != nil {
		t.Fatalf("create table: %v", res.Err)
	}
	root, err := e.GetCatalog().GetRootPageNumber("widgets")
	if err != nil {
		t.Fatalf("root page: %v", err)
	}
	version = e.GetCatalog().GetVersion()
	for i, name := range []string{"a", "b", "c"} {
		if res := v.Execute(buildInsertPlan(version, root, int64(i+1), name)); res.Err != nil {
			t.Fatalf("insert %d: %v", i, res.Err)
		}
	}

	p := NewExecutionPlan(version, false)
	p.Append(&InitCmd{P2: 1})
	p.Append(&TransactionCmd{P2: 1})
	p.Append(&OpenWriteCmd{P1: 1, P2: root})
	p.Append(&RewindCmd{P1: 1, P2: 7})
	p.Append(&CollectDeleteCmd{P1: 1})
	p.Append(&NextCmd{P1: 1, P2: 4})
	p.Append(&CommitDeletesCmd{P1: 1})
	p.Append(&HaltCmd{})

	res := v.Execute(p)
	if res.Err != nil {
		t.Fatalf("execute: %v", res.Err)
	}

	n, err := e.Count(root)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected all rows deleted, got %d remaining", n)
	}
}

func TestEvalArithmeticOverflow(t *testing.T) {
	_, err := evalArithmetic(compiler.OpAdd, btree.IntValue(math.MaxInt64), btree.IntValue(1))
	require.ErrorIs(t, err, ErrOverflow)

	_, err = evalArithmetic(compiler.OpMul, btree.IntValue(math.MaxInt64), btree.IntValue(2))
	require.ErrorIs(t, err, ErrOverflow)

	v, err := evalArithmetic(compiler.OpAdd, btree.IntValue(1), btree.IntValue(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.I)
}

func TestEvalArithmeticPropagatesNull(t *testing.T) {
	v, err := evalArithmetic(compiler.OpAdd, btree.NullValue(), btree.IntValue(1))
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestEvalComparisonTextNumericIsNeitherEqualNorOrdered(t *testing.T) {
	eq, err := evalComparison(compiler.OpEq, btree.TextValue("1"), btree.IntValue(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), eq.I, "text and numeric must never compare equal")

	lt, err := evalComparison(compiler.OpLt, btree.TextValue("1"), btree.IntValue(1))
	require.NoError(t, err)
	assert.True(t, lt.IsNull(), "text vs numeric ordering is unknown, not false")
}

func TestEvalComparisonNullIsUnknown(t *testing.T) {
	v, err := evalComparison(compiler.OpEq, btree.NullValue(), btree.IntValue(1))
	require.NoError(t, err)
	assert.True(t, v.IsNull())
}

func TestVMExplainListsCommands(t *testing.T) {
	e := newTestEngine(t)
	v := New(e)
	p := buildCreateTablePlan(e.GetCatalog().GetVersion(), "widgets")
	p.Explain = true
	res := v.Execute(p)
	if res.Err != nil {
		t.Fatalf("explain: %v", res.Err)
	}
	if len(res.ResultRows) != len(p.Commands) {
		t.Fatalf("expected %d explain rows, got %d", len(p.Commands), len(res.ResultRows))
	}
}
