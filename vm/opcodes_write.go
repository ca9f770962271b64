package vm

import (
	"fmt"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/catalog"
)

// CreateBTreeCmd allocates a new btree, storing its root page number in
// register P1.
type CreateBTreeCmd cmd

func (c *CreateBTreeCmd) execute(vm *VM, routine *routine) cmdRes {
	root, err := vm.engine.NewBTree()
	if err != nil {
		return cmdRes{err: err}
	}
	routine.registers[c.P1] = btree.IntValue(int64(root))
	return cmdRes{}
}

func (c *CreateBTreeCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Create a btree, store root page in register[%d]", c.P1)
	return formatExplain(addr, "CreateBTree", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// DefineTableCmd records a table definition in the catalog. P1 holds the
// root page number register and P4 the table name; the column metadata is
// carried on the command itself in Columns.
type DefineTableCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Columns    []catalog.Column
}

func (c *DefineTableCmd) execute(vm *VM, routine *routine) cmdRes {
	root := int(routine.registers[c.P1].I)
	vm.engine.GetCatalog().CreateTable(c.P4, root, c.Columns)
	return cmdRes{}
}

func (c *DefineTableCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Define table %s using root page in register[%d]", c.P4, c.P1)
	return formatExplain(addr, "DefineTable", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// NewRowIdCmd generates the next unused row id for the table open on cursor
// P1, storing it in register P2.
type NewRowIdCmd cmd

func (c *NewRowIdCmd) execute(vm *VM, routine *routine) cmdRes {
	id, err := vm.engine.NewRowID(routine.cursorRoots[c.P1])
	if err != nil {
		return cmdRes{err: err}
	}
	routine.registers[c.P2] = btree.IntValue(id)
	return cmdRes{}
}

func (c *NewRowIdCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Generate new row id for cursor %d into register[%d]", c.P1, c.P2)
	return formatExplain(addr, "NewRowId", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// MakeRecordCmd packs registers P1 through P1+P2-1 into a single record
// stored in register P3.
type MakeRecordCmd cmd

func (c *MakeRecordCmd) execute(vm *VM, routine *routine) cmdRes {
	values := make([]btree.Value, c.P2)
	for i := 0; i < c.P2; i++ {
		values[i] = routine.registers[c.P1+i]
	}
	routine.registers[c.P3] = btree.Value{Tag: btree.TagBlob, Blob: btree.Encode(values)}
	return cmdRes{}
}

func (c *MakeRecordCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Pack registers[%d:%d] into a record in register[%d]", c.P1, c.P1+c.P2, c.P3)
	return formatExplain(addr, "MakeRecord", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// InsertCmd writes the record in register P2 to cursor P1 keyed by register
// P3.
type InsertCmd cmd

func (c *InsertCmd) execute(vm *VM, routine *routine) cmdRes {
	key := routine.registers[c.P3]
	record := routine.registers[c.P2]
	_, err := vm.engine.Set(routine.cursorRoots[c.P1], btree.EncodeKey(key.I), record.Blob)
	if err != nil {
		return cmdRes{err: err}
	}
	return cmdRes{}
}

func (c *InsertCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Insert record in register[%d] to cursor %d keyed by register[%d]", c.P2, c.P1, c.P3)
	return formatExplain(addr, "Insert", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// CheckConstraintsCmd validates NOT NULL, UNIQUE and PRIMARY KEY column
// constraints for a row about to be written to cursor P1. Column values
// occupy registers P2 through P2+len(Columns)-1, in table column order. When
// P5 is 1, register P3 holds the row's own current key, excluded from the
// uniqueness scan so an UPDATE that leaves a unique column unchanged does
// not collide with itself.
type CheckConstraintsCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Columns    []catalog.Column
}

func (c *CheckConstraintsCmd) execute(vm *VM, routine *routine) cmdRes {
	root := routine.cursorRoots[c.P1]
	hasExclude := c.P5 == 1
	var excludeKey int64
	if hasExclude {
		excludeKey = routine.registers[c.P3].I
	}
	for i, col := range c.Columns {
		v := routine.registers[c.P2+i]
		if !col.Nullable && v.IsNull() {
			return cmdRes{err: fmt.Errorf("%w: %s", ErrConstraintViolation, col.Name)}
		}
		if (col.Unique || col.PrimaryKey) && !v.IsNull() {
			dup, err := columnHasDuplicate(vm, root, i, v, hasExclude, excludeKey)
			if err != nil {
				return cmdRes{err: err}
			}
			if dup {
				return cmdRes{err: fmt.Errorf("%w: %s", ErrConstraintViolation, col.Name)}
			}
		}
	}
	return cmdRes{}
}

// columnHasDuplicate scans every row of root looking for one whose colIdx-th
// column equals value, skipping the row keyed excludeKey when hasExclude is
// set.
func columnHasDuplicate(vm *VM, root, colIdx int, value btree.Value, hasExclude bool, excludeKey int64) (bool, error) {
	cur := vm.engine.NewCursor(root)
	for cur.Valid() {
		if hasExclude {
			k, err := cur.Key()
			if err != nil {
				return false, err
			}
			if btree.DecodeKey(k) == excludeKey {
				if err := cur.Next(); err != nil {
					return false, err
				}
				continue
			}
		}
		rec, err := cur.Record()
		if err != nil {
			return false, err
		}
		vals, err := btree.Decode(rec)
		if err != nil {
			return false, err
		}
		if colIdx < len(vals) && btree.Compare(vals[colIdx], value) == 0 {
			return true, nil
		}
		if err := cur.Next(); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (c *CheckConstraintsCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Check NOT NULL/UNIQUE/PRIMARY KEY constraints for cursor %d using registers[%d:%d]", c.P1, c.P2, c.P2+len(c.Columns))
	return formatExplain(addr, "CheckConstraints", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// NullCmd stores Null in register P2.
type NullCmd cmd

func (c *NullCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.registers[c.P2] = btree.NullValue()
	return cmdRes{}
}

func (c *NullCmd) explain(addr int) []*string {
	return formatExplain(addr, "Null", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Store null in register[%d]", c.P2))
}

// IntegerCmd stores integer P1 in register P2.
type IntegerCmd cmd

func (c *IntegerCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.registers[c.P2] = btree.IntValue(int64(c.P1))
	return cmdRes{}
}

func (c *IntegerCmd) explain(addr int) []*string {
	return formatExplain(addr, "Integer", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Store %d in register[%d]", c.P1, c.P2))
}

// RealCmd parses P4 as a float and stores it in register P2.
type RealCmd cmd

func (c *RealCmd) execute(vm *VM, routine *routine) cmdRes {
	var r float64
	if _, err := fmt.Sscanf(c.P4, "%g", &r); err != nil {
		return cmdRes{err: fmt.Errorf("invalid real literal %q: %w", c.P4, err)}
	}
	routine.registers[c.P2] = btree.RealValue(r)
	return cmdRes{}
}

func (c *RealCmd) explain(addr int) []*string {
	return formatExplain(addr, "Real", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Store %s in register[%d]", c.P4, c.P2))
}

// StringCmd stores the string P4 in register P2.
type StringCmd cmd

func (c *StringCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.registers[c.P2] = btree.TextValue(c.P4)
	return cmdRes{}
}

func (c *StringCmd) explain(addr int) []*string {
	return formatExplain(addr, "String", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Store %q in register[%d]", c.P4, c.P2))
}

// CopyCmd copies register P1 into register P2.
type CopyCmd cmd

func (c *CopyCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.registers[c.P2] = routine.registers[c.P1]
	return cmdRes{}
}

func (c *CopyCmd) explain(addr int) []*string {
	return formatExplain(addr, "Copy", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Copy register[%d] to register[%d]", c.P1, c.P2))
}

// CollectDeleteCmd marks the row cursor P1 currently points to for deletion,
// deferring the actual delete until CommitDeletes so a live scan never races
// against a mutation of the tree it is walking.
type CollectDeleteCmd cmd

func (c *CollectDeleteCmd) execute(vm *VM, routine *routine) cmdRes {
	k, err := routine.cursors[c.P1].Key()
	if err != nil {
		return cmdRes{err: err}
	}
	root := routine.cursorRoots[c.P1]
	routine.pendingDeletes[root] = append(routine.pendingDeletes[root], btree.DecodeKey(k))
	return cmdRes{}
}

func (c *CollectDeleteCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Mark current row of cursor %d for deletion", c.P1)
	return formatExplain(addr, "CollectDelete", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// CommitDeletesCmd applies every row marked by CollectDelete against cursor
// P1's table.
type CommitDeletesCmd cmd

func (c *CommitDeletesCmd) execute(vm *VM, routine *routine) cmdRes {
	root := routine.cursorRoots[c.P1]
	for _, key := range routine.pendingDeletes[root] {
		if _, _, err := vm.engine.Delete(root, btree.EncodeKey(key)); err != nil {
			return cmdRes{err: err}
		}
	}
	delete(routine.pendingDeletes, root)
	return cmdRes{}
}

func (c *CommitDeletesCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Apply deletions collected against cursor %d", c.P1)
	return formatExplain(addr, "CommitDeletes", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// CollectUpdateCmd marks the row cursor P1 currently points to for
// replacement by the record in register P2, possibly under a new row id
// held in register P3 (equal to the old row id when the id itself is not
// being updated).
type CollectUpdateCmd cmd

func (c *CollectUpdateCmd) execute(vm *VM, routine *routine) cmdRes {
	k, err := routine.cursors[c.P1].Key()
	if err != nil {
		return cmdRes{err: err}
	}
	root := routine.cursorRoots[c.P1]
	record := routine.registers[c.P2]
	newKey := routine.registers[c.P3]
	routine.pendingUpdates[root] = append(routine.pendingUpdates[root], updateEntry{
		oldKey: btree.DecodeKey(k),
		record: record.Blob,
		newKey: newKey.I,
	})
	return cmdRes{}
}

func (c *CollectUpdateCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Mark current row of cursor %d for update from register[%d]", c.P1, c.P2)
	return formatExplain(addr, "CollectUpdate", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// CommitUpdatesCmd applies every row marked by CollectUpdate against cursor
// P1's table.
type CommitUpdatesCmd cmd

func (c *CommitUpdatesCmd) execute(vm *VM, routine *routine) cmdRes {
	root := routine.cursorRoots[c.P1]
	for _, u := range routine.pendingUpdates[root] {
		if u.newKey != u.oldKey {
			if _, _, err := vm.engine.Delete(root, btree.EncodeKey(u.oldKey)); err != nil {
				return cmdRes{err: err}
			}
		}
		if _, err := vm.engine.Set(root, btree.EncodeKey(u.newKey), u.record); err != nil {
			return cmdRes{err: err}
		}
	}
	delete(routine.pendingUpdates, root)
	return cmdRes{}
}

func (c *CommitUpdatesCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Apply updates collected against cursor %d", c.P1)
	return formatExplain(addr, "CommitUpdates", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}
