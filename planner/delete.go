package planner

import (
	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/vm"
)

func (p *Planner) compileDelete(s *compiler.DeleteStmt) (*vm.ExecutionPlan, error) {
	cols, err := tableColumns(p.catalog, s.TableName)
	if err != nil {
		return nil, err
	}
	root, err := p.catalog.GetRootPageNumber(s.TableName)
	if err != nil {
		return nil, err
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
	needed := map[int]bool{}
	if s.Where != nil {
		exprColumns(s.Where, cols, needed)
	}
	for i := range cols {
		if s.Where == nil || needed[i] {
			plan.Append(&vm.ColumnCmd{P1: 1, P2: i, P3: colBase + i})
		}
	}

	filterIdx := -1
	if s.Where != nil {
		filterIdx = len(plan.Commands)
		plan.Append(&vm.FilterCmd{Expr: s.Where, ColRegs: colRegs})
	}
	plan.Append(&vm.CollectDeleteCmd{P1: 1})

	nextIdx := len(plan.Commands)
	plan.Append(&vm.NextCmd{P1: 1, P2: loopStart})
	if filterIdx >= 0 {
		plan.Commands[filterIdx].(*vm.FilterCmd).P2 = nextIdx
	}

	plan.Append(&vm.CommitDeletesCmd{P1: 1})
	haltIdx := len(plan.Commands)
	plan.Append(&vm.HaltCmd{})

	plan.Commands[rewindIdx].(*vm.RewindCmd).P2 = haltIdx

	return plan, nil
}
