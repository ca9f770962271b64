package vm

import (
	"fmt"

	"github.com/chirst/cdb/btree"
)

// OpenReadCmd opens a read cursor with identifier P1 at root page P2.
type OpenReadCmd cmd

func (c *OpenReadCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.cursors[c.P1] = vm.engine.NewCursor(c.P2)
	routine.cursorRoots[c.P1] = c.P2
	return cmdRes{}
}

func (c *OpenReadCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Open read cursor %d at root page %d", c.P1, c.P2)
	return formatExplain(addr, "OpenRead", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// OpenWriteCmd opens a write cursor named P1 on the table with root page P2.
type OpenWriteCmd cmd

func (c *OpenWriteCmd) execute(vm *VM, routine *routine) cmdRes {
	routine.cursors[c.P1] = vm.engine.NewCursor(c.P2)
	routine.cursorRoots[c.P1] = c.P2
	return cmdRes{}
}

func (c *OpenWriteCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Open write cursor %d on table with root page %d", c.P1, c.P2)
	return formatExplain(addr, "OpenWrite", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// RewindCmd moves cursor P1 to its first entry. If the table is empty it
// jumps to P2.
type RewindCmd cmd

func (c *RewindCmd) execute(vm *VM, routine *routine) cmdRes {
	if !routine.cursors[c.P1].Valid() {
		return cmdRes{nextAddress: c.P2}
	}
	return cmdRes{}
}

func (c *RewindCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Move cursor %d to the start of the table, jump to addr[%d] if empty", c.P1, c.P2)
	return formatExplain(addr, "Rewind", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// NextCmd advances cursor P1. If there are more rows it jumps to P2,
// otherwise it falls through.
type NextCmd cmd

func (c *NextCmd) execute(vm *VM, routine *routine) cmdRes {
	cur := routine.cursors[c.P1]
	if err := cur.Next(); err != nil {
		return cmdRes{err: err}
	}
	if cur.Valid() {
		return cmdRes{nextAddress: c.P2}
	}
	return cmdRes{}
}

func (c *NextCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Advance cursor %d, jump to addr[%d] if more rows remain", c.P1, c.P2)
	return formatExplain(addr, "Next", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// RowIdCmd stores the key the cursor P1 currently points to into register P2.
type RowIdCmd cmd

func (c *RowIdCmd) execute(vm *VM, routine *routine) cmdRes {
	k, err := routine.cursors[c.P1].Key()
	if err != nil {
		return cmdRes{err: err}
	}
	routine.registers[c.P2] = btree.IntValue(btree.DecodeKey(k))
	return cmdRes{}
}

func (c *RowIdCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Store row id for cursor %d in register[%d]", c.P1, c.P2)
	return formatExplain(addr, "RowId", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// ColumnCmd stores the P2-th column of the row cursor P1 currently points to
// into register P3.
type ColumnCmd cmd

func (c *ColumnCmd) execute(vm *VM, routine *routine) cmdRes {
	v, err := routine.cursors[c.P1].Record()
	if err != nil {
		return cmdRes{err: err}
	}
	cols, err := btree.Decode(v)
	if err != nil {
		return cmdRes{err: err}
	}
	if c.P2 >= len(cols) {
		return cmdRes{err: fmt.Errorf("column index %d out of range for row of %d columns", c.P2, len(cols))}
	}
	routine.registers[c.P3] = cols[c.P2]
	return cmdRes{}
}

func (c *ColumnCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Store column %d of cursor %d in register[%d]", c.P2, c.P1, c.P3)
	return formatExplain(addr, "Column", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// NotExistsCmd jumps to P2 if cursor P1 does not contain the key currently
// held in register P3, otherwise falls through.
type NotExistsCmd cmd

func (c *NotExistsCmd) execute(vm *VM, routine *routine) cmdRes {
	key := routine.registers[c.P3]
	exists, err := vm.engine.Exists(routine.cursorRoots[c.P1], btree.EncodeKey(key.I))
	if err != nil {
		return cmdRes{err: err}
	}
	if !exists {
		return cmdRes{nextAddress: c.P2}
	}
	return cmdRes{}
}

func (c *NotExistsCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Jump to addr[%d] if cursor %d does not contain key in register[%d]", c.P2, c.P1, c.P3)
	return formatExplain(addr, "NotExists", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// CountCmd stores the number of entries cursor P1 scans into register P2.
type CountCmd cmd

func (c *CountCmd) execute(vm *VM, routine *routine) cmdRes {
	n, err := vm.engine.Count(routine.cursorRoots[c.P1])
	if err != nil {
		return cmdRes{err: err}
	}
	routine.registers[c.P2] = btree.IntValue(int64(n))
	return cmdRes{}
}

func (c *CountCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Count entries for cursor %d into register[%d]", c.P1, c.P2)
	return formatExplain(addr, "Count", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// ParseSchemaCmd refreshes the in memory catalog from the meta page.
type ParseSchemaCmd cmd

func (c *ParseSchemaCmd) execute(vm *VM, routine *routine) cmdRes {
	return cmdRes{err: vm.engine.ParseSchema()}
}

func (c *ParseSchemaCmd) explain(addr int) []*string {
	return formatExplain(addr, "ParseSchema", c.P1, c.P2, c.P3, c.P4, c.P5, "Refresh catalog")
}
