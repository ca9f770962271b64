package vm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/compiler"
)

// EvalCmd evaluates Expr and stores the result in register P3. P1 and P2
// are unused; ColRegs is the column to register mapping the planner baked
// for this expression.
type EvalCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Expr       *compiler.Expr
	ColRegs    map[string]int
}

func (c *EvalCmd) execute(vm *VM, routine *routine) cmdRes {
	ev := &evaluator{registers: routine.registers, colRegs: c.ColRegs}
	v, err := ev.eval(c.Expr)
	if err != nil {
		return cmdRes{err: err}
	}
	routine.registers[c.P3] = v
	return cmdRes{}
}

func (c *EvalCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Evaluate expression into register[%d]", c.P3)
	return formatExplain(addr, "Eval", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// FilterCmd evaluates Expr and jumps to P2 when the result is false or NULL,
// implementing WHERE clause filtering.
type FilterCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Expr       *compiler.Expr
	ColRegs    map[string]int
}

func (c *FilterCmd) execute(vm *VM, routine *routine) cmdRes {
	ev := &evaluator{registers: routine.registers, colRegs: c.ColRegs}
	v, err := ev.eval(c.Expr)
	if err != nil {
		return cmdRes{err: err}
	}
	if v.IsNull() || !truthy(v) {
		return cmdRes{nextAddress: c.P2}
	}
	return cmdRes{}
}

func (c *FilterCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Jump to addr[%d] if the predicate is false", c.P2)
	return formatExplain(addr, "Filter", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// AggregateKind enumerates the aggregate functions supported in a result column.
type AggregateKind int

const (
	AggCount AggregateKind = iota
	AggSum
	AggMin
	AggMax
)

func ParseAggregateKind(name string) (AggregateKind, error) {
	switch strings.ToUpper(name) {
	case "COUNT":
		return AggCount, nil
	case "SUM":
		return AggSum, nil
	case "MIN":
		return AggMin, nil
	case "MAX":
		return AggMax, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate function %s", name)
	}
}

// aggState accumulates one aggregate function's running value across a scan.
type aggState struct {
	kind    AggregateKind
	count   int64
	sum     float64
	sumIsR  bool
	extreme btree.Value
	hasAny  bool
}

// AggregateCmd folds the value of Expr (or, for COUNT(*), every row) into
// the running aggregate identified by P1, keyed into routine.aggregates.
type AggregateCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Kind       AggregateKind
	Star       bool
	Expr       *compiler.Expr
	ColRegs    map[string]int
}

func (c *AggregateCmd) execute(vm *VM, routine *routine) cmdRes {
	st, ok := routine.aggregates[c.P1]
	if !ok {
		st = &aggState{kind: c.Kind}
		routine.aggregates[c.P1] = st
	}
	if c.Star {
		st.count++
		return cmdRes{}
	}
	ev := &evaluator{registers: routine.registers, colRegs: c.ColRegs}
	v, err := ev.eval(c.Expr)
	if err != nil {
		return cmdRes{err: err}
	}
	if v.IsNull() {
		return cmdRes{}
	}
	st.count++
	switch c.Kind {
	case AggSum:
		if v.Tag == btree.TagReal {
			st.sumIsR = true
		}
		st.sum += numericOf(v)
	case AggMin:
		if !st.hasAny || btree.Compare(v, st.extreme) < 0 {
			st.extreme = v
		}
		st.hasAny = true
	case AggMax:
		if !st.hasAny || btree.Compare(v, st.extreme) > 0 {
			st.extreme = v
		}
		st.hasAny = true
	}
	return cmdRes{}
}

func (c *AggregateCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Fold current row into aggregate[%d]", c.P1)
	return formatExplain(addr, "Aggregate", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// FinalizeAggregateCmd stores the final value of aggregate P1 into register
// P2, once a scan has completed.
type FinalizeAggregateCmd cmd

func (c *FinalizeAggregateCmd) execute(vm *VM, routine *routine) cmdRes {
	st, ok := routine.aggregates[c.P1]
	if !ok {
		st = &aggState{}
	}
	switch st.kind {
	case AggCount:
		routine.registers[c.P2] = btree.IntValue(st.count)
	case AggSum:
		if !st.hasAny && st.count == 0 {
			routine.registers[c.P2] = btree.IntValue(0)
			return cmdRes{}
		}
		if st.sumIsR {
			routine.registers[c.P2] = btree.RealValue(st.sum)
		} else {
			routine.registers[c.P2] = btree.IntValue(int64(st.sum))
		}
	case AggMin, AggMax:
		if !st.hasAny {
			routine.registers[c.P2] = btree.NullValue()
		} else {
			routine.registers[c.P2] = st.extreme
		}
	default:
		routine.registers[c.P2] = btree.NullValue()
	}
	return cmdRes{}
}

func (c *FinalizeAggregateCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Store final value of aggregate[%d] in register[%d]", c.P1, c.P2)
	return formatExplain(addr, "FinalizeAggregate", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// ResultRowCmd reads registers P1 through P1+P2-1 and appends them as one
// row of the result set, retaining both raw values (for Sort) and formatted
// text (for the final response).
type ResultRowCmd cmd

func (c *ResultRowCmd) execute(vm *VM, routine *routine) cmdRes {
	values := make([]btree.Value, c.P2)
	text := make([]*string, c.P2)
	for i := 0; i < c.P2; i++ {
		v := routine.registers[c.P1+i]
		values[i] = v
		text[i] = formatValue(v)
	}
	routine.rows = append(routine.rows, resultRow{values: values, text: text})
	return cmdRes{}
}

func (c *ResultRowCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Emit registers[%d:%d] as a result row", c.P1, c.P1+c.P2)
	return formatExplain(addr, "ResultRow", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// SortKey is one ORDER BY term: the column's position within a result row
// and the sort direction.
type SortKey struct {
	Column int
	Desc   bool
}

// SortCmd sorts the accumulated result rows by Keys. NULLs sort first
// regardless of direction.
type SortCmd struct {
	P1, P2, P3 int
	P4         string
	P5         int
	Keys       []SortKey
}

func (c *SortCmd) execute(vm *VM, routine *routine) cmdRes {
	rows := routine.rows
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range c.Keys {
			a, b := rows[i].values[k.Column], rows[j].values[k.Column]
			if a.IsNull() && b.IsNull() {
				continue
			}
			if a.IsNull() {
				return true
			}
			if b.IsNull() {
				return false
			}
			cmp := btree.Compare(a, b)
			if cmp == 0 {
				continue
			}
			if k.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return cmdRes{}
}

func (c *SortCmd) explain(addr int) []*string {
	return formatExplain(addr, "Sort", c.P1, c.P2, c.P3, c.P4, c.P5, "Sort the accumulated result rows")
}

// LimitCmd trims the accumulated result rows to at most P1 rows, skipping
// the first P2 (OFFSET).
type LimitCmd cmd

func (c *LimitCmd) execute(vm *VM, routine *routine) cmdRes {
	offset := c.P2
	if offset > len(routine.rows) {
		offset = len(routine.rows)
	}
	rows := routine.rows[offset:]
	if c.P1 >= 0 && c.P1 < len(rows) {
		rows = rows[:c.P1]
	}
	routine.rows = rows
	return cmdRes{}
}

func (c *LimitCmd) explain(addr int) []*string {
	comment := fmt.Sprintf("Keep at most %d rows after skipping %d", c.P1, c.P2)
	return formatExplain(addr, "Limit", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}
