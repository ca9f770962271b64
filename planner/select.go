package planner

import (
	"fmt"

	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/vm"
)

func (p *Planner) compileSelect(s *compiler.SelectStmt) (*vm.ExecutionPlan, error) {
	table := s.From.TableName
	cols, err := tableColumns(p.catalog, table)
	if err != nil {
		return nil, err
	}
	root, err := p.catalog.GetRootPageNumber(table)
	if err != nil {
		return nil, err
	}

	resultColumns, err := expandWildcard(s.ResultColumns, table, cols)
	if err != nil {
		return nil, err
	}
	isAggregate, err := classifyAggregate(resultColumns)
	if err != nil {
		return nil, err
	}

	reg := newRegisterAllocator()
	cursorColBase := reg.allocN(len(cols))
	colRegs := colRegsFor(table, cols, cursorColBase)

	plan := vm.NewExecutionPlan(p.catalog.GetVersion(), s.StmtBase.Explain)
	plan.ResultHeader = make([]string, len(resultColumns))
	for i, rc := range resultColumns {
		plan.ResultHeader[i] = resultColumnName(rc)
	}

	plan.Append(&vm.InitCmd{P2: 1})
	plan.Append(&vm.TransactionCmd{P2: 0})
	plan.Append(&vm.OpenReadCmd{P1: 1, P2: root})

	rewindIdx := len(plan.Commands)
	plan.Append(&vm.RewindCmd{P1: 1})

	loopStart := len(plan.Commands)
	for i := range cols {
		plan.Append(&vm.ColumnCmd{P1: 1, P2: i, P3: cursorColBase + i})
	}
	var filterIdx = -1
	if s.Where != nil {
		filterIdx = len(plan.Commands)
		plan.Append(&vm.FilterCmd{Expr: s.Where, ColRegs: colRegs})
	}

	if isAggregate {
		for i, rc := range resultColumns {
			kind, err := vm.ParseAggregateKind(rc.Expr.Function.Name)
			if err != nil {
				return nil, err
			}
			plan.Append(&vm.AggregateCmd{
				P1:      i + 1,
				Kind:    kind,
				Star:    rc.Expr.Function.Star,
				Expr:    firstArgOrNil(rc.Expr.Function),
				ColRegs: colRegs,
			})
		}
	} else {
		outBase := reg.allocN(len(resultColumns))
		for i, rc := range resultColumns {
			if cr := bareColumnRef(rc.Expr); cr != "" {
				if src, ok := colRegs[cr]; ok {
					plan.Append(&vm.CopyCmd{P1: src, P2: outBase + i})
					continue
				}
			}
			plan.Append(&vm.EvalCmd{P3: outBase + i, Expr: rc.Expr, ColRegs: colRegs})
		}
		plan.Append(&vm.ResultRowCmd{P1: outBase, P2: len(resultColumns)})
	}

	nextIdx := len(plan.Commands)
	plan.Append(&vm.NextCmd{P1: 1, P2: loopStart})

	// The filter, once it knows its own false branch lands on Next, can be
	// patched now that Next's address is fixed.
	if filterIdx >= 0 {
		plan.Commands[filterIdx].(*vm.FilterCmd).P2 = nextIdx
	}

	var haltIdx int

	if isAggregate {
		outBase := reg.allocN(len(resultColumns))
		for i := range resultColumns {
			plan.Append(&vm.FinalizeAggregateCmd{P1: i + 1, P2: outBase + i})
		}
		plan.Append(&vm.ResultRowCmd{P1: outBase, P2: len(resultColumns)})
	} else {
		if len(s.OrderBy) > 0 {
			keys, err := sortKeysFor(s.OrderBy, resultColumns)
			if err != nil {
				return nil, err
			}
			plan.Append(&vm.SortCmd{Keys: keys})
		}
		if s.Limit != nil || s.Offset != nil {
			limit, offset, err := limitOffsetValues(s.Limit, s.Offset)
			if err != nil {
				return nil, err
			}
			plan.Append(&vm.LimitCmd{P1: limit, P2: offset})
		}
	}

	haltIdx = len(plan.Commands)
	plan.Append(&vm.HaltCmd{})

	plan.Commands[rewindIdx].(*vm.RewindCmd).P2 = haltIdx

	return plan, nil
}

// expandWildcard replaces a `*` result column with one ColumnRef per
// physical column, in table order.
func expandWildcard(rcs []compiler.ResultColumn, table string, cols []catalog.Column) ([]compiler.ResultColumn, error) {
	out := make([]compiler.ResultColumn, 0, len(rcs))
	for _, rc := range rcs {
		if !rc.All {
			out = append(out, rc)
			continue
		}
		for _, c := range cols {
			out = append(out, compiler.ResultColumn{
				Expr: &compiler.Expr{ColumnRef: &compiler.ColumnRef{Table: table, Column: c.Name}},
			})
		}
	}
	return out, nil
}

func classifyAggregate(rcs []compiler.ResultColumn) (bool, error) {
	hasAgg, hasPlain := false, false
	for _, rc := range rcs {
		if rc.Expr != nil && rc.Expr.Function != nil {
			hasAgg = true
		} else {
			hasPlain = true
		}
	}
	if hasAgg && hasPlain {
		return false, errMixedAggregate
	}
	return hasAgg, nil
}

func bareColumnRef(e *compiler.Expr) string {
	if e == nil || e.ColumnRef == nil {
		return ""
	}
	if e.ColumnRef.Table != "" {
		return e.ColumnRef.Table + "." + e.ColumnRef.Column
	}
	return e.ColumnRef.Column
}

func firstArgOrNil(fn *compiler.FunctionCall) *compiler.Expr {
	if len(fn.Args) == 0 {
		return nil
	}
	return fn.Args[0]
}

func sortKeysFor(terms []compiler.OrderingTerm, resultColumns []compiler.ResultColumn) ([]vm.SortKey, error) {
	keys := make([]vm.SortKey, 0, len(terms))
	for _, t := range terms {
		idx := -1
		want := exprLabel(t.Expr)
		for i, rc := range resultColumns {
			if exprLabel(rc.Expr) == want {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", errOrderByNotProjected, want)
		}
		keys = append(keys, vm.SortKey{Column: idx, Desc: t.Desc})
	}
	return keys, nil
}

func limitOffsetValues(limitExpr, offsetExpr *compiler.Expr) (limit, offset int, err error) {
	limit = -1
	if limitExpr != nil {
		limit, err = literalInt(limitExpr)
		if err != nil {
			return 0, 0, err
		}
	}
	if offsetExpr != nil {
		offset, err = literalInt(offsetExpr)
		if err != nil {
			return 0, 0, err
		}
	}
	return limit, offset, nil
}

func literalInt(e *compiler.Expr) (int, error) {
	if e.Literal == nil || !e.Literal.Numeric {
		return 0, fmt.Errorf("LIMIT and OFFSET must be literal integers")
	}
	var n int
	if _, err := fmt.Sscanf(e.Literal.NumericLiteral, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid integer literal %q: %w", e.Literal.NumericLiteral, err)
	}
	return n, nil
}
