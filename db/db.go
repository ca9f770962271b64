// db serves as an interface for the database where raw SQL goes in and
// convenient data structures come out. db is intended to be consumed by
// things like a repl (read eval print loop), a program, or a transport
// protocol such as the database/sql driver.
package db

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/planner"
	"github.com/chirst/cdb/vm"
)

type executor interface {
	Execute(*vm.ExecutionPlan) *vm.ExecuteResult
}

type dbCatalog interface {
	GetColumns(tableName string) ([]catalog.Column, error)
	GetColumnNames(tableName string) ([]string, error)
	GetRootPageNumber(tableName string) (int, error)
	GetPrimaryKeyColumn(tableName string) (string, error)
	TableExists(tableName string) bool
	ListTables() []string
	GetVersion() string
}

// DB is the embedded database's main entry point: parse, plan, and execute
// one statement at a time against a single storage engine.
type DB struct {
	vm      executor
	catalog dbCatalog
	engine  *btree.Engine
	log     *logrus.Entry
}

// Option configures a DB at Open time.
type Option func(*options)

type options struct {
	pageSize           int
	cacheSize          int
	rebalanceThreshold float64
	log                *logrus.Entry
}

func defaultOptions() *options {
	return &options{
		pageSize:           4096,
		cacheSize:          512,
		rebalanceThreshold: 0.5,
		log:                logrus.NewEntry(logrus.StandardLogger()),
	}
}

// WithPageSize overrides the on disk page size used for a newly created
// database. It has no effect when opening an existing file.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithCacheSize overrides the number of pages kept in the page cache.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithRebalanceThreshold overrides the btree node fill factor below which a
// node borrows from, or merges with, a sibling node.
func WithRebalanceThreshold(f float64) Option {
	return func(o *options) { o.rebalanceThreshold = f }
}

// WithLogger overrides the logger used for engine diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// Open opens or creates the database file at filename.
func Open(filename string, opts ...Option) (*DB, error) {
	return newDB(false, filename, opts...)
}

// OpenMemory opens a throwaway in-memory database, useful for tests and
// scratch sessions.
func OpenMemory(opts ...Option) (*DB, error) {
	return newDB(true, "", opts...)
}

func newDB(useMemory bool, filename string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	engine, err := btree.New(useMemory, filename, btree.Options{
		PageSize:           o.pageSize,
		CacheSize:          o.cacheSize,
		RebalanceThreshold: o.rebalanceThreshold,
		Log:                o.log,
	})
	if err != nil {
		return nil, err
	}
	return &DB{
		vm:      vm.New(engine),
		catalog: engine.GetCatalog(),
		engine:  engine,
		log:     o.log,
	}, nil
}

// Close flushes and releases the underlying storage engine.
func (db *DB) Close() error {
	return db.engine.Close()
}

// ListTables returns every table name currently registered in the catalog.
func (db *DB) ListTables() []string {
	return db.catalog.ListTables()
}

// Schema returns the column list of a table, for describe-style tooling.
func (db *DB) Schema(tableName string) ([]catalog.Column, error) {
	return db.catalog.GetColumns(tableName)
}

// Execute parses, plans, and runs sql. A plan built against a stale catalog
// version is recompiled and retried, since the catalog can change between
// planning and the cursor's first read under this engine's single writer
// model.
func (db *DB) Execute(sql string) *vm.ExecuteResult {
	tokens, err := compiler.NewLexer(sql).Lex()
	if err != nil {
		return &vm.ExecuteResult{Err: err}
	}
	statements, err := compiler.NewParser(tokens).Parse()
	if err != nil {
		return &vm.ExecuteResult{Err: err}
	}
	if len(statements) == 0 {
		return &vm.ExecuteResult{}
	}
	var result *vm.ExecuteResult
	for _, stmt := range statements {
		result = db.executeStmt(stmt)
		if result.Err != nil {
			return result
		}
	}
	return result
}

func (db *DB) executeStmt(stmt compiler.Stmt) *vm.ExecuteResult {
	for {
		plan, err := planner.New(db.catalog).GetPlan(stmt)
		if err != nil {
			return &vm.ExecuteResult{Err: err}
		}
		result := db.vm.Execute(plan)
		if !errors.Is(result.Err, vm.ErrVersionChanged) {
			return result
		}
		db.log.Debug("schema version changed mid-plan, recompiling")
	}
}
