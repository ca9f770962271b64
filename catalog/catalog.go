// catalog holds the persisted database schema: tables, their columns and
// constraints, and per table auto increment counters. The catalog is loaded
// from the meta page on open and rewritten to the meta page on every DDL
// statement and at commit time alongside other dirty pages.
package catalog

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// SchemaObjectName is the reserved pseudo table holding one row per schema
// object, analogous to sqlite_schema.
const SchemaObjectName = "cdb_schema"

// MetaPageNumber is the root page reported for the cdb_schema pseudo table.
// The catalog document itself is stored on a meta page allocated by the
// engine, whose number the file header records.
const MetaPageNumber = 1

// Catalog holds information about the database schema. It is process local
// and rebuilt in memory from the meta page on open.
type Catalog struct {
	schema *schema
	// version changes every time the schema changes. Statements compiled
	// against a stale version are rejected by the vm and recompiled by db, so a
	// long lived connection never executes a plan against a schema it no
	// longer matches.
	version string
	// dirty is true when the in memory schema has changes not yet persisted
	// to the meta page. The engine checks this at the end of every write
	// transaction.
	dirty bool
}

// NewCatalog returns an empty catalog. Callers load persisted state with
// Load.
func NewCatalog() *Catalog {
	c := &Catalog{schema: &schema{}}
	c.setNewVersion()
	return c
}

// schema is a cached in memory representation of the schema document.
type schema struct {
	Objects []Object `json:"objects"`
}

// Object is one entry of the schema document. Only tables are modeled:
// ObjectType is always "table" and Name equals TableName.
type Object struct {
	ObjectType     string   `json:"objectType"`
	Name           string   `json:"name"`
	TableName      string   `json:"tableName"`
	RootPageNumber int      `json:"rootPageNumber"`
	Columns        []Column `json:"columns"`
	LastInsertID   int64    `json:"lastInsertId"`
}

// Column describes one column of a table.
type Column struct {
	Name       string `json:"name"`
	ColType    string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primaryKey"`
	Unique     bool   `json:"unique"`
	HasDefault bool   `json:"hasDefault"`
	Default    any    `json:"default,omitempty"`
}

// TableSchema is the JSON document describing a table. It used to be stored
// per object under its own key; it is kept as a thin view over Object's
// Columns for callers that think in terms of "a table's schema" rather than
// "a schema object".
type TableSchema struct {
	Columns []Column `json:"columns"`
}

func (ts *TableSchema) ToJSON() ([]byte, error) { return json.Marshal(ts) }

func (ts *TableSchema) FromJSON(b []byte) error { return json.Unmarshal(b, ts) }

// ToJSON serializes the whole catalog document, the form persisted to the
// meta page.
func (c *Catalog) ToJSON() ([]byte, error) {
	return json.Marshal(c.schema)
}

// Load replaces the in memory schema with the document read from the meta
// page. An empty document is a no-op, the state of a freshly created
// database.
func (c *Catalog) Load(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	s := &schema{}
	if err := json.Unmarshal(b, s); err != nil {
		return fmt.Errorf("catalog: corrupt schema document: %w", err)
	}
	c.schema = s
	c.setNewVersion()
	c.dirty = false
	return nil
}

// Dirty reports whether the in memory schema has changes not yet persisted.
func (c *Catalog) Dirty() bool { return c.dirty }

// MarkClean clears the dirty flag after the engine persists the schema.
func (c *Catalog) MarkClean() { c.dirty = false }

func (c *Catalog) GetRootPageNumber(tableName string) (int, error) {
	if tableName == SchemaObjectName {
		return MetaPageNumber, nil
	}
	for _, o := range c.schema.Objects {
		if o.TableName == tableName {
			return o.RootPageNumber, nil
		}
	}
	return 0, fmt.Errorf("table %s does not exist", tableName)
}

func (c *Catalog) GetColumns(tableName string) ([]Column, error) {
	if tableName == SchemaObjectName {
		return []Column{
			{Name: "id", ColType: "INTEGER", PrimaryKey: true},
			{Name: "type", ColType: "TEXT"},
			{Name: "name", ColType: "TEXT"},
			{Name: "table_name", ColType: "TEXT"},
			{Name: "rootpage", ColType: "INTEGER"},
		}, nil
	}
	o, err := c.getObject(tableName)
	if err != nil {
		return nil, err
	}
	return o.Columns, nil
}

func (c *Catalog) GetColumnNames(tableName string) ([]string, error) {
	cols, err := c.GetColumns(tableName)
	if err != nil {
		return nil, err
	}
	ret := make([]string, len(cols))
	for i, col := range cols {
		ret[i] = col.Name
	}
	return ret, nil
}

func (c *Catalog) GetPrimaryKeyColumn(tableName string) (string, error) {
	cols, err := c.GetColumns(tableName)
	if err != nil {
		return "", err
	}
	for _, col := range cols {
		if col.PrimaryKey {
			return col.Name, nil
		}
	}
	return "", nil
}

func (c *Catalog) TableExists(tableName string) bool {
	if tableName == SchemaObjectName {
		return true
	}
	return slices.ContainsFunc(c.schema.Objects, func(o Object) bool {
		return o.ObjectType == "table" && o.TableName == tableName
	})
}

func (c *Catalog) ListTables() []string {
	ret := []string{}
	for _, o := range c.schema.Objects {
		if o.ObjectType == "table" {
			ret = append(ret, o.TableName)
		}
	}
	return ret
}

func (c *Catalog) getObject(tableName string) (*Object, error) {
	for i := range c.schema.Objects {
		if c.schema.Objects[i].TableName == tableName {
			return &c.schema.Objects[i], nil
		}
	}
	return nil, fmt.Errorf("table %s does not exist", tableName)
}

// CreateTable registers a new table at rootPageNumber with the given
// columns. The caller must already have verified the table does not exist.
func (c *Catalog) CreateTable(tableName string, rootPageNumber int, columns []Column) {
	c.schema.Objects = append(c.schema.Objects, Object{
		ObjectType:     "table",
		Name:           tableName,
		TableName:      tableName,
		RootPageNumber: rootPageNumber,
		Columns:        columns,
		LastInsertID:   0,
	})
	c.setNewVersion()
	c.dirty = true
}

// NextAutoIncrement bumps and returns the next value for the table's
// INTEGER PRIMARY KEY auto increment counter.
func (c *Catalog) NextAutoIncrement(tableName string) (int64, error) {
	o, err := c.getObject(tableName)
	if err != nil {
		return 0, err
	}
	o.LastInsertID += 1
	c.dirty = true
	return o.LastInsertID, nil
}

// ObserveInsertedKey advances the auto increment counter when a caller
// supplies an explicit key greater than the current counter, so a later
// NULL-keyed insert does not collide with a manually assigned key.
func (c *Catalog) ObserveInsertedKey(tableName string, key int64) error {
	o, err := c.getObject(tableName)
	if err != nil {
		return err
	}
	if key > o.LastInsertID {
		o.LastInsertID = key
		c.dirty = true
	}
	return nil
}

// GetVersion returns a unique version identifier that changes whenever the
// catalog changes.
func (c *Catalog) GetVersion() string {
	return c.version
}

func (c *Catalog) setNewVersion() {
	c.version = uuid.NewString()
}
