// vm (virtual machine) is capable of running routines made up of commands
// that access the storage layer. The commands are formed by the planner from
// the ast (abstract syntax tree).
package vm

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/catalog"
)

// ErrVersionChanged signals the execution plan must be recompiled since the
// catalog has gone out of date since the statement was compiled.
var ErrVersionChanged = errors.New("statement was compiled with an out of date catalog")

// ErrConstraintViolation is returned when a row about to be written would
// violate a NOT NULL, UNIQUE or PRIMARY KEY constraint.
var ErrConstraintViolation = errors.New("constraint violation")

// storageEngine is the subset of btree.Engine the vm depends on, named here
// so tests can substitute a fake.
type storageEngine interface {
	GetCatalog() *catalog.Catalog
	NewBTree() (int, error)
	BeginReadTransaction() error
	EndReadTransaction()
	BeginWriteTransaction() error
	EndWriteTransaction() error
	RollbackWrite() error
	NewCursor(rootPageNumber int) *btree.Cursor
	Set(rootPageNumber int, key, value []byte) (int, error)
	Delete(rootPageNumber int, key []byte) (int, bool, error)
	NewRowID(rootPageNumber int) (int64, error)
	Exists(rootPageNumber int, key []byte) (bool, error)
	Count(rootPageNumber int) (int, error)
	ParseSchema() error
}

type VM struct {
	engine storageEngine
}

func New(engine storageEngine) *VM {
	return &VM{engine: engine}
}

// routine contains values that are destroyed when a plan is finished
// executing.
type routine struct {
	registers        map[int]btree.Value
	rows             []resultRow
	cursors          map[int]*btree.Cursor
	cursorRoots      map[int]int
	pendingDeletes   map[int][]int64
	pendingUpdates   map[int][]updateEntry
	aggregates       map[int]*aggState
	readTransaction  bool
	writeTransaction bool
	schemaVersion    string
}

// resultRow is one row accumulated by ResultRow, kept in both raw and
// formatted form so Sort can compare on raw values while Halt only ever
// needs to hand back the formatted strings.
type resultRow struct {
	values []btree.Value
	text   []*string
}

type updateEntry struct {
	oldKey int64
	record []byte
	newKey int64
}

func newRoutine(schemaVersion string) *routine {
	return &routine{
		registers:      map[int]btree.Value{},
		cursors:        map[int]*btree.Cursor{},
		cursorRoots:    map[int]int{},
		pendingDeletes: map[int][]int64{},
		pendingUpdates: map[int][]updateEntry{},
		aggregates:     map[int]*aggState{},
		schemaVersion:  schemaVersion,
	}
}

// Command is one bytecode instruction.
type Command interface {
	execute(vm *VM, routine *routine) cmdRes
	explain(addr int) []*string
}

type cmdRes struct {
	doHalt      bool
	nextAddress int
	err         error
}

// cmd is the shared operand layout most opcodes use: P1-P3 and P5 are
// register/cursor/count operands, P4 carries a string payload (a constant
// or an error message).
type cmd struct {
	P1 int
	P2 int
	P3 int
	P4 string
	P5 int
}

type ExecuteResult struct {
	Err  error
	Text string
	// ResultHeader is the names of columns in the result.
	ResultHeader []string
	// ResultRows are the columns and rows in a result. A column is a
	// pointer to a string since a column can be a null result.
	ResultRows [][]*string
	// Duration is the overall execution time.
	Duration time.Duration
}

// ExecutionPlan is a compiled, runnable program together with the catalog
// version it was compiled against.
type ExecutionPlan struct {
	Explain      bool
	Commands     []Command
	ResultHeader []string
	// Version is the catalog version used to compile this plan. If the
	// version is not the same during execution the execution plan will be
	// recompiled.
	Version string
}

func NewExecutionPlan(version string, explain bool) *ExecutionPlan {
	return &ExecutionPlan{Version: version, Explain: explain}
}

func (e *ExecutionPlan) Append(command Command) {
	e.Commands = append(e.Commands, command)
}

// Execute runs the execution plan. When Explain is set, the plan is not run;
// Execute returns the compiled bytecode program as result rows instead.
func (v *VM) Execute(plan *ExecutionPlan) *ExecuteResult {
	start := time.Now()
	if plan.Explain {
		res := v.explain(plan)
		res.Duration = time.Since(start)
		return res
	}
	r := newRoutine(plan.Version)
	i := 0
	for i < len(plan.Commands) {
		current := plan.Commands[i]
		res := current.execute(v, r)
		if res.err != nil {
			v.rollback(r)
			return &ExecuteResult{Err: res.err, Duration: time.Since(start)}
		}
		if res.doHalt {
			break
		}
		if res.nextAddress == 0 {
			i++
		} else {
			i = res.nextAddress
		}
	}
	rows := make([][]*string, len(r.rows))
	for i, rr := range r.rows {
		rows[i] = rr.text
	}
	return &ExecuteResult{
		ResultRows:   rows,
		ResultHeader: plan.ResultHeader,
		Duration:     time.Since(start),
	}
}

func (v *VM) rollback(r *routine) {
	if r.writeTransaction {
		v.engine.RollbackWrite()
		return
	}
	if r.readTransaction {
		v.engine.EndReadTransaction()
	}
}

func formatExplain(addr int, c string, P1, P2, P3 int, P4 string, P5 int, comment string) []*string {
	aa := strconv.Itoa(addr)
	p1a := strconv.Itoa(P1)
	p2a := strconv.Itoa(P2)
	p3a := strconv.Itoa(P3)
	p5a := strconv.Itoa(P5)
	return []*string{&aa, &c, &p1a, &p2a, &p3a, &P4, &p5a, &comment}
}

func (v *VM) explain(plan *ExecutionPlan) *ExecuteResult {
	rows := [][]*string{}
	for i, c := range plan.Commands {
		rows = append(rows, c.explain(i))
	}
	return &ExecuteResult{
		ResultRows: rows,
		ResultHeader: []string{
			"addr", "opcode", "P1", "P2", "P3", "P4", "P5", "comment",
		},
	}
}

// InitCmd jumps to the instruction at address P2.
type InitCmd cmd

func (c *InitCmd) execute(vm *VM, routine *routine) cmdRes {
	return cmdRes{nextAddress: c.P2}
}

func (c *InitCmd) explain(addr int) []*string {
	return formatExplain(addr, "Init", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Start at addr[%d]", c.P2))
}

// GotoCmd jumps unconditionally to P2.
type GotoCmd cmd

func (c *GotoCmd) execute(vm *VM, routine *routine) cmdRes {
	return cmdRes{nextAddress: c.P2}
}

func (c *GotoCmd) explain(addr int) []*string {
	return formatExplain(addr, "Goto", c.P1, c.P2, c.P3, c.P4, c.P5, fmt.Sprintf("Jump to addr[%d]", c.P2))
}

// HaltCmd ends the routine, closing transactions. If P1 is non zero Halt
// raises an exception with P4 as the message and rolls back.
type HaltCmd cmd

func (c *HaltCmd) execute(vm *VM, routine *routine) cmdRes {
	if c.P1 != 0 {
		msg := c.P4
		if msg == "" {
			msg = "halt exited with a non zero error code and no error message"
		}
		return cmdRes{err: errors.New(msg)}
	}
	if routine.readTransaction {
		vm.engine.EndReadTransaction()
	}
	if routine.writeTransaction {
		return cmdRes{doHalt: true, err: vm.engine.EndWriteTransaction()}
	}
	return cmdRes{doHalt: true}
}

func (c *HaltCmd) explain(addr int) []*string {
	comment := "End transaction and exit"
	if c.P1 != 0 {
		comment = "Exit with err"
	}
	return formatExplain(addr, "Halt", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}

// TransactionCmd starts a read transaction if P2 is 0, a write transaction
// if P2 is 1.
type TransactionCmd cmd

func (c *TransactionCmd) execute(vm *VM, routine *routine) cmdRes {
	switch c.P2 {
	case 0:
		routine.readTransaction = true
		if err := vm.engine.BeginReadTransaction(); err != nil {
			return cmdRes{err: err}
		}
	case 1:
		routine.writeTransaction = true
		if err := vm.engine.BeginWriteTransaction(); err != nil {
			return cmdRes{err: err}
		}
	default:
		return cmdRes{err: fmt.Errorf("unhandled TransactionCmd with P2: %d", c.P2)}
	}
	if routine.schemaVersion != vm.engine.GetCatalog().GetVersion() {
		return cmdRes{err: ErrVersionChanged}
	}
	return cmdRes{}
}

func (c *TransactionCmd) explain(addr int) []*string {
	comment := "Begin a read transaction"
	if c.P2 == 1 {
		comment = "Begin a write transaction"
	}
	return formatExplain(addr, "Transaction", c.P1, c.P2, c.P3, c.P4, c.P5, comment)
}
