package planner

import (
	"fmt"

	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/vm"
)

func (p *Planner) compileUpdate(s *compiler.UpdateStmt) (*vm.ExecutionPlan, error) {
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

	assignments := make(map[string]*compiler.Expr, len(s.Assignments))
	for _, a := range s.Assignments {
		if columnIndex(cols, a.ColumnName) < 0 {
			return nil, fmt.Errorf("%w: %s", errUnknownColumn, a.ColumnName)
		}
		assignments[a.ColumnName] = a.Expr
	}

	reg := newRegisterAllocator()
	colBase := reg.allocN(len(cols))
	colRegs := colRegsFor(s.TableName, cols, colBase)

	plan := vm.NewExecutionPlan(p.catalog.GetVersion(), s.StmtBase.Explain)
	plan.Append(&vm.InitCmd{P2: 1})
	plan.Append(&vm.TransactionCmd{P2: 1})
	plan.Append(&vm.OpenWriteCmd{P1: 1, P2: root})

	rewindIdx := len(plan.Commands)
	plan.Append(&vm.RewindCmd{P1: 1})

	loopStart := len(plan.Commands)
	var oldPkReg int
	for i, col := range cols {
		plan.Append(&vm.ColumnCmd{P1: 1, P2: i, P3: colBase + i})
		if col.Name == pkName {
			oldPkReg = colBase + i
		}
	}

	filterIdx := -1
	if s.Where != nil {
		filterIdx = len(plan.Commands)
		plan.Append(&vm.FilterCmd{Expr: s.Where, ColRegs: colRegs})
	}

	newBase := reg.allocN(len(cols))
	var newKeyReg int
	for i, col := range cols {
		dest := newBase + i
		if expr, ok := assignments[col.Name]; ok {
			plan.Append(&vm.EvalCmd{P3: dest, Expr: expr, ColRegs: colRegs})
		} else {
			plan.Append(&vm.CopyCmd{P1: colBase + i, P2: dest})
		}
		if col.Name == pkName {
			newKeyReg = dest
		}
	}
	plan.Append(&vm.CheckConstraintsCmd{P1: 1, P2: newBase, P3: oldPkReg, P5: 1, Columns: cols})
	recordReg := reg.alloc()
	plan.Append(&vm.MakeRecordCmd{P1: newBase, P2: len(cols), P3: recordReg})
	plan.Append(&vm.CollectUpdateCmd{P1: 1, P2: recordReg, P3: newKeyReg})

	nextIdx := len(plan.Commands)
	plan.Append(&vm.NextCmd{P1: 1, P2: loopStart})
	if filterIdx >= 0 {
		plan.Commands[filterIdx].(*vm.FilterCmd).P2 = nextIdx
	}

	plan.Append(&vm.CommitUpdatesCmd{P1: 1})
	haltIdx := len(plan.Commands)
	plan.Append(&vm.HaltCmd{})

	plan.Commands[rewindIdx].(*vm.RewindCmd).P2 = haltIdx

	return plan, nil
}
