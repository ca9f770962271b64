package compiler

import (
	"reflect"
	"testing"
)

func mustLex(t *testing.T, sql string) []token {
	t.Helper()
	tokens, err := NewLexer(sql).Lex()
	if err != nil {
		t.Fatalf("lexing %q: %v", sql, err)
	}
	return tokens
}

func TestParseSelect(t *testing.T) {
	cases := []struct {
		name   string
		sql    string
		expect Stmt
	}{
		{
			name: "star from",
			sql:  "SELECT * FROM foo",
			expect: &SelectStmt{
				StmtBase:      &StmtBase{},
				From:          &From{TableName: "foo"},
				ResultColumns: []ResultColumn{{All: true}},
			},
		},
		{
			name: "explain",
			sql:  "EXPLAIN SELECT * FROM foo",
			expect: &SelectStmt{
				StmtBase:      &StmtBase{Explain: true},
				From:          &From{TableName: "foo"},
				ResultColumns: []ResultColumn{{All: true}},
			},
		},
		{
			name: "with where",
			sql:  "SELECT id FROM foo WHERE id = 1",
			expect: &SelectStmt{
				StmtBase: &StmtBase{},
				From:     &From{TableName: "foo"},
				ResultColumns: []ResultColumn{
					{Expr: &Expr{ColumnRef: &ColumnRef{Column: "id"}}},
				},
				Where: &Expr{Binary: &BinaryExpr{
					Op:    OpEq,
					Left:  &Expr{ColumnRef: &ColumnRef{Column: "id"}},
					Right: &Expr{Literal: &Literal{Numeric: true, NumericLiteral: "1"}},
				}},
			},
		},
		{
			name: "order by limit offset",
			sql:  "SELECT id FROM foo ORDER BY id DESC LIMIT 10 OFFSET 5",
			expect: &SelectStmt{
				StmtBase: &StmtBase{},
				From:     &From{TableName: "foo"},
				ResultColumns: []ResultColumn{
					{Expr: &Expr{ColumnRef: &ColumnRef{Column: "id"}}},
				},
				OrderBy: []OrderingTerm{
					{Expr: &Expr{ColumnRef: &ColumnRef{Column: "id"}}, Desc: true},
				},
				Limit:  &Expr{Literal: &Literal{Numeric: true, NumericLiteral: "10"}},
				Offset: &Expr{Literal: &Literal{Numeric: true, NumericLiteral: "5"}},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stmts, err := NewParser(mustLex(t, c.sql)).Parse()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(stmts) != 1 {
				t.Fatalf("expected 1 statement, got %d", len(stmts))
			}
			if !reflect.DeepEqual(stmts[0], c.expect) {
				t.Errorf("expected %#v got %#v", c.expect, stmts[0])
			}
		})
	}
}

func TestParseOperatorPrecedence(t *testing.T) {
	// 1 + 2 * 3 parses as 1 + (2 * 3), multiplication binds tighter.
	stmts, err := NewParser(mustLex(t, "SELECT 1 + 2 * 3")).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sel := stmts[0].(*SelectStmt)
	top := sel.ResultColumns[0].Expr.Binary
	if top == nil || top.Op != OpAdd {
		t.Fatalf("expected top level +, got %#v", sel.ResultColumns[0].Expr)
	}
	right := top.Right.Binary
	if right == nil || right.Op != OpMul {
		t.Fatalf("expected right hand side *, got %#v", top.Right)
	}
}

func TestParseCreateTable(t *testing.T) {
	sql := "CREATE TABLE foo (id INTEGER PRIMARY KEY, name TEXT NOT NULL, score REAL DEFAULT 0)"
	stmts, err := NewParser(mustLex(t, sql)).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt, ok := stmts[0].(*CreateTableStmt)
	if !ok {
		t.Fatalf("expected *CreateTableStmt, got %T", stmts[0])
	}
	if stmt.TableName != "foo" {
		t.Errorf("expected table name foo, got %s", stmt.TableName)
	}
	if len(stmt.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(stmt.Columns))
	}
	if !stmt.Columns[0].PrimaryKey || !stmt.Columns[0].NotNull {
		t.Errorf("expected id to be primary key and not null, got %#v", stmt.Columns[0])
	}
	if !stmt.Columns[1].NotNull {
		t.Errorf("expected name to be not null, got %#v", stmt.Columns[1])
	}
	if !stmt.Columns[2].HasDefault || stmt.Columns[2].Default.NumericLiteral != "0" {
		t.Errorf("expected score to default to 0, got %#v", stmt.Columns[2])
	}
}

func TestParseInsert(t *testing.T) {
	sql := "INSERT INTO foo (id, name) VALUES (1, 'a'), (2, 'b')"
	stmts, err := NewParser(mustLex(t, sql)).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt, ok := stmts[0].(*InsertStmt)
	if !ok {
		t.Fatalf("expected *InsertStmt, got %T", stmts[0])
	}
	if !reflect.DeepEqual(stmt.Columns, []string{"id", "name"}) {
		t.Errorf("expected columns [id name], got %v", stmt.Columns)
	}
	if len(stmt.Values) != 2 {
		t.Fatalf("expected 2 value rows, got %d", len(stmt.Values))
	}
}

func TestParseUpdate(t *testing.T) {
	sql := "UPDATE foo SET name = 'a', score = score + 1 WHERE id = 1"
	stmts, err := NewParser(mustLex(t, sql)).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt, ok := stmts[0].(*UpdateStmt)
	if !ok {
		t.Fatalf("expected *UpdateStmt, got %T", stmts[0])
	}
	if len(stmt.Assignments) != 2 {
		t.Fatalf("expected 2 assignments, got %d", len(stmt.Assignments))
	}
	if stmt.Where == nil {
		t.Fatal("expected a where clause")
	}
}

func TestParseDelete(t *testing.T) {
	sql := "DELETE FROM foo WHERE id = 1"
	stmts, err := NewParser(mustLex(t, sql)).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stmt, ok := stmts[0].(*DeleteStmt)
	if !ok {
		t.Fatalf("expected *DeleteStmt, got %T", stmts[0])
	}
	if stmt.TableName != "foo" {
		t.Errorf("expected table foo, got %s", stmt.TableName)
	}
}

func TestParseAggregateFunction(t *testing.T) {
	sql := "SELECT COUNT(*) FROM foo"
	stmts, err := NewParser(mustLex(t, sql)).Parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sel := stmts[0].(*SelectStmt)
	fn := sel.ResultColumns[0].Expr.Function
	if fn == nil || fn.Name != "COUNT" || !fn.Star {
		t.Errorf("expected COUNT(*), got %#v", sel.ResultColumns[0].Expr)
	}
}

func TestParseErrorReportsPosition(t *testing.T) {
	_, err := NewParser(mustLex(t, "SELECT FROM")).Parse()
	if err == nil {
		t.Fatal("expected a parse error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Line != 1 || pe.Col != 8 {
		t.Errorf("expected error at 1:8 (FROM), got %d:%d", pe.Line, pe.Col)
	}
}
