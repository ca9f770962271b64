package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chirst/cdb/catalog"
	"github.com/chirst/cdb/coltype"
	"github.com/chirst/cdb/compiler"
	"github.com/chirst/cdb/vm"
)

func (p *Planner) compileCreateTable(s *compiler.CreateTableStmt) (*vm.ExecutionPlan, error) {
	if p.catalog.TableExists(s.TableName) {
		return nil, fmt.Errorf("%w: %s", errTableExists, s.TableName)
	}
	columns, err := resolveCreateColumns(s.Columns)
	if err != nil {
		return nil, err
	}

	plan := vm.NewExecutionPlan(p.catalog.GetVersion(), s.StmtBase.Explain)
	plan.Append(&vm.InitCmd{P2: 1})
	plan.Append(&vm.TransactionCmd{P2: 1})
	plan.Append(&vm.CreateBTreeCmd{P1: 1})
	plan.Append(&vm.DefineTableCmd{P1: 1, P4: s.TableName, Columns: columns})
	plan.Append(&vm.HaltCmd{})
	return plan, nil
}

// resolveCreateColumns mirrors the teacher's ensureIDColumn/ensureIntegerID
// pair: a table always has an INTEGER primary key id column, auto-prepended
// when the statement did not declare one and validated when it did.
func resolveCreateColumns(defs []compiler.ColumnDef) ([]catalog.Column, error) {
	idIdx := -1
	for i, d := range defs {
		if strings.EqualFold(d.Name, "id") {
			idIdx = i
			break
		}
	}
	if idIdx >= 0 && !strings.EqualFold(defs[idIdx].ColType, "INTEGER") {
		return nil, errInvalidIDColumnType
	}

	cols := make([]catalog.Column, 0, len(defs)+1)
	if idIdx < 0 {
		cols = append(cols, catalog.Column{Name: "id", ColType: "INTEGER", PrimaryKey: true})
	}
	for _, d := range defs {
		ct := strings.ToUpper(d.ColType)
		if coltype.FromName(ct) == coltype.Unknown {
			return nil, fmt.Errorf("unknown column type %s for column %s", d.ColType, d.Name)
		}
		col := catalog.Column{
			Name:       d.Name,
			ColType:    ct,
			Nullable:   !d.NotNull && !d.PrimaryKey,
			PrimaryKey: d.PrimaryKey,
			Unique:     d.Unique,
			HasDefault: d.HasDefault,
		}
		if d.HasDefault {
			col.Default = literalToAny(d.Default)
		}
		cols = append(cols, col)
	}
	return cols, nil
}

func literalToAny(l *compiler.Literal) any {
	if l == nil || l.IsNull {
		return nil
	}
	switch {
	case l.IsString:
		return l.StringLiteral
	case l.IsBool:
		return l.Bool
	case l.Numeric:
		if strings.ContainsAny(l.NumericLiteral, ".eE") {
			f, _ := strconv.ParseFloat(l.NumericLiteral, 64)
			return f
		}
		i, _ := strconv.ParseInt(l.NumericLiteral, 10, 64)
		return i
	default:
		return nil
	}
}
