package planner

import (
	"fmt"

	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/vm"
)

func (p *Planner) compileInsert(s *compiler.InsertStmt) (*vm.ExecutionPlan, error) {
	cols, err := tableColumns(p.catalog, s.TableName)
	if err != nil {
		return nil, err
	}
	root, err := p.catalog.GetRootPageNumber(s.TableName)
	if err != nil {
		return nil, err
	}
	pkName, err := p.catalog.GetPrimaryKeyColumn(s.TableName)
	if err != nil {
		return nil, err
	}

	targetCols := s.Columns
	if len(targetCols) == 0 {
		targetCols = make([]string, len(cols))
		for i, c := range cols {
			targetCols[i] = c.Name
		}
	}
	targetIdx := make(map[string]int, len(targetCols))
	for i, name := range targetCols {
		if columnIndex(cols, name) < 0 {
			return nil, fmt.Errorf("%w: %s", errUnknownColumn, name)
		}
		targetIdx[name] = i
	}

	plan := vm.NewExecutionPlan(p.catalog.GetVersion(), s.StmtBase.Explain)
	plan.Append(&vm.InitCmd{P2: 1})
	plan.Append(&vm.TransactionCmd{P2: 1})
	plan.Append(&vm.OpenWriteCmd{P1: 1, P2: root})

	reg := newRegisterAllocator()
	for _, row := range s.Values {
		if len(row) != len(targetCols) {
			return nil, errColumnCount
		}
		colBase := reg.allocN(len(cols))
		var pkReg int
		for i, col := range cols {
			dest := colBase + i
			vi, supplied := targetIdx[col.Name]
			// An explicit NULL for the primary key is treated the same as an
			// omitted column: both mean "assign me a row id", not "store
			// NULL as the key".
			explicitNull := supplied && row[vi].Literal != nil && row[vi].Literal.IsNull
			switch {
			case col.PrimaryKey && (!supplied || explicitNull):
				plan.Append(&vm.NewRowIdCmd{P1: 1, P2: dest})
			case supplied:
				plan.Append(&vm.EvalCmd{P3: dest, Expr: row[vi]})
			case col.HasDefault:
				plan.Append(&vm.EvalCmd{P3: dest, Expr: defaultExpr(col)})
			case col.Nullable:
				plan.Append(&vm.NullCmd{P2: dest})
			default:
				return nil, fmt.Errorf("%w: %s", errNotNullViolation, col.Name)
			}
			if col.Name == pkName {
				pkReg = dest
			}
		}
		plan.Append(&vm.CheckConstraintsCmd{P1: 1, P2: colBase, Columns: cols})
		recordReg := reg.alloc()
		plan.Append(&vm.MakeRecordCmd{P1: colBase, P2: len(cols), P3: recordReg})
		plan.Append(&vm.InsertCmd{P1: 1, P2: recordReg, P3: pkReg})
	}

	plan.Append(&vm.HaltCmd{})
	return plan, nil
}

func defaultExpr(col catalog.Column) *compiler.Expr {
	if col.Default == nil {
		return &compiler.Expr{Literal: &compiler.Literal{IsNull: true}}
	}
	switch v := col.Default.(type) {
	case string:
		return &compiler.Expr{Literal: &compiler.Literal{IsString: true, StringLiteral: v}}
	case bool:
		return &compiler.Expr{Literal: &compiler.Literal{IsBool: true, Bool: v}}
	case float64:
		return &compiler.Expr{Literal: &compiler.Literal{Numeric: true, NumericLiteral: fmt.Sprintf("%v", v)}}
	case int64:
		return &compiler.Expr{Literal: &compiler.Literal{Numeric: true, NumericLiteral: fmt.Sprintf("%d", v)}}
	default:
		return &compiler.Expr{Literal: &compiler.Literal{IsNull: true}}
	}
}
