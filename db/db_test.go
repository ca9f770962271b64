package db

import (
	"strconv"
	"testing"

	"github.com/chirst/cdb/vm"
)

func mustOpen(t *testing.T) *DB {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func mustExecute(t *testing.T, database *DB, sql string) *vm.ExecuteResult {
	t.Helper()
	res := database.Execute(sql)
	if res.Err != nil {
		t.Fatalf("%s executing sql: %s", res.Err, sql)
	}
	return res
}

func TestExecuteCreateInsertSelect(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE person (id INTEGER PRIMARY KEY, first_name TEXT, last_name TEXT, age INTEGER)")
	mustExecute(t, database, "INSERT INTO person (first_name, last_name, age) VALUES ('John', 'Smith', 50)")
	res := mustExecute(t, database, "SELECT * FROM person")
	want := []string{"1", "John", "Smith", "50"}
	for i, w := range want {
		if got := *res.ResultRows[0][i]; got != w {
			t.Fatalf("column %d: want %s got %s", i, w, got)
		}
	}
}

func TestBulkInsert(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE test (id INTEGER PRIMARY KEY, junk TEXT)")
	const total = 1000
	for i := 0; i < total; i++ {
		mustExecute(t, database, "INSERT INTO test (junk) VALUES ('asdf')")
	}
	res := mustExecute(t, database, "SELECT * FROM test")
	if got := len(res.ResultRows); got != total {
		t.Fatalf("want %d rows got %d", total, got)
	}
	for i, row := range res.ResultRows {
		id, err := strconv.Atoi(*row[0])
		if err != nil {
			t.Fatal(err)
		}
		if id != i+1 {
			t.Fatalf("want id %d got %d", i+1, id)
		}
	}
	countRes := mustExecute(t, database, "SELECT COUNT(*) FROM test")
	got, err := strconv.Atoi(*countRes.ResultRows[0][0])
	if err != nil {
		t.Fatal(err)
	}
	if got != total {
		t.Fatalf("want count %d got %d", total, got)
	}
}

func TestSelectWithWhere(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE test (id INTEGER PRIMARY KEY, val INTEGER)")
	mustExecute(t, database, "INSERT INTO test (id, val) VALUES (3, 929), (1, 444), (2, 438)")
	res := mustExecute(t, database, "SELECT * FROM test WHERE val = 444")
	if got := len(res.ResultRows); got != 1 {
		t.Fatalf("want 1 row got %d", got)
	}
	if got := *res.ResultRows[0][0]; got != "1" {
		t.Fatalf("want id 1 got %s", got)
	}
}

func TestSelectHeaders(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE test (id INTEGER PRIMARY KEY, val INTEGER)")
	mustExecute(t, database, "INSERT INTO test (val) VALUES (1)")
	res := mustExecute(t, database, "SELECT id, val AS foo FROM test")
	want := []string{"id", "foo"}
	for i, w := range want {
		if got := res.ResultHeader[i]; got != w {
			t.Fatalf("header %d: want %s got %s", i, w, got)
		}
	}
}

func TestUpdateStatement(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE foo (id INTEGER PRIMARY KEY, a INTEGER, b INTEGER)")
	mustExecute(t, database, "INSERT INTO foo (a, b) VALUES (1, 2), (3, 4), (5, 6)")
	mustExecute(t, database, "UPDATE foo SET b = 1")
	res := mustExecute(t, database, "SELECT b FROM foo WHERE b = 1")
	if len(res.ResultRows) != 3 {
		t.Fatalf("expected all 3 rows updated to b = 1")
	}
}

func TestDeleteAll(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE foo (id INTEGER PRIMARY KEY, a INTEGER)")
	mustExecute(t, database, "INSERT INTO foo (a) VALUES (1), (2), (3)")
	mustExecute(t, database, "DELETE FROM foo")
	res := mustExecute(t, database, "SELECT * FROM foo")
	if len(res.ResultRows) != 0 {
		t.Fatalf("expected no rows, got %d", len(res.ResultRows))
	}
}

func TestDeleteWithWhere(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE foo (id INTEGER PRIMARY KEY, a INTEGER)")
	mustExecute(t, database, "INSERT INTO foo (a) VALUES (11), (12), (13)")
	mustExecute(t, database, "DELETE FROM foo WHERE a = 12")
	res := mustExecute(t, database, "SELECT * FROM foo")
	if len(res.ResultRows) != 2 {
		t.Fatalf("want 2 rows got %d", len(res.ResultRows))
	}
	if got := *res.ResultRows[0][1]; got != "11" {
		t.Fatalf("want 11 got %s", got)
	}
	if got := *res.ResultRows[1][1]; got != "13" {
		t.Fatalf("want 13 got %s", got)
	}
}

func TestListTablesAndSchema(t *testing.T) {
	database := mustOpen(t)
	mustExecute(t, database, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)")
	tables := database.ListTables()
	if len(tables) != 1 || tables[0] != "widgets" {
		t.Fatalf("want [widgets] got %v", tables)
	}
	cols, err := database.Schema("widgets")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if len(cols) != 2 || cols[0].Name != "id" || cols[1].Name != "name" {
		t.Fatalf("unexpected schema: %#v", cols)
	}
}
