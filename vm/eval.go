package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chirst/cdb/btree"
	"github.com/chirst/cdb/compiler"
)

// ErrOverflow is returned when an integer arithmetic opcode would overflow
// 64 bits.
var ErrOverflow = fmt.Errorf("integer overflow")

// evaluator evaluates compiler.Expr trees against a row's worth of already
// loaded registers. colRegs is baked in at compile time by the planner: the
// column-first compilation strategy guarantees every column an expression
// can reference is already sitting in a register by the time Eval, Filter or
// Aggregate runs, so there is no need for a row context fallback.
type evaluator struct {
	registers map[int]btree.Value
	colRegs   map[string]int
}

func (ev *evaluator) eval(e *compiler.Expr) (btree.Value, error) {
	switch {
	case e.Literal != nil:
		return evalLiteral(e.Literal)
	case e.ColumnRef != nil:
		key := e.ColumnRef.Column
		if e.ColumnRef.Table != "" {
			key = e.ColumnRef.Table + "." + e.ColumnRef.Column
		}
		reg, ok := ev.colRegs[key]
		if !ok {
			reg, ok = ev.colRegs[e.ColumnRef.Column]
		}
		if !ok {
			return btree.Value{}, fmt.Errorf("unresolved column reference %q", key)
		}
		return ev.registers[reg], nil
	case e.Unary != nil:
		return ev.evalUnary(e.Unary)
	case e.Binary != nil:
		return ev.evalBinary(e.Binary)
	case e.Parenthesized != nil:
		return ev.eval(e.Parenthesized)
	case e.Function != nil:
		return btree.Value{}, fmt.Errorf("aggregate function %s is not valid outside of a result column", e.Function.Name)
	default:
		return btree.Value{}, fmt.Errorf("empty expression")
	}
}

func evalLiteral(l *compiler.Literal) (btree.Value, error) {
	switch {
	case l.IsNull:
		return btree.NullValue(), nil
	case l.IsBool:
		if l.Bool {
			return btree.IntValue(1), nil
		}
		return btree.IntValue(0), nil
	case l.IsString:
		return btree.TextValue(l.StringLiteral), nil
	case l.Numeric:
		if strings.ContainsAny(l.NumericLiteral, ".eE") {
			f, err := strconv.ParseFloat(l.NumericLiteral, 64)
			if err != nil {
				return btree.Value{}, err
			}
			return btree.RealValue(f), nil
		}
		i, err := strconv.ParseInt(l.NumericLiteral, 10, 64)
		if err != nil {
			return btree.Value{}, err
		}
		return btree.IntValue(i), nil
	default:
		return btree.Value{}, fmt.Errorf("empty literal")
	}
}

func (ev *evaluator) evalUnary(u *compiler.UnaryExpr) (btree.Value, error) {
	v, err := ev.eval(u.Operand)
	if err != nil {
		return btree.Value{}, err
	}
	switch u.Op {
	case compiler.OpNeg:
		if v.IsNull() {
			return btree.NullValue(), nil
		}
		if v.Tag == btree.TagInteger {
			if v.I == math.MinInt64 {
				return btree.Value{}, ErrOverflow
			}
			return btree.IntValue(-v.I), nil
		}
		return btree.RealValue(-numericOf(v)), nil
	case compiler.OpNot:
		if v.IsNull() {
			return btree.NullValue(), nil
		}
		if truthy(v) {
			return btree.IntValue(0), nil
		}
		return btree.IntValue(1), nil
	default:
		return btree.Value{}, fmt.Errorf("unhandled unary operator %v", u.Op)
	}
}

func (ev *evaluator) evalBinary(b *compiler.BinaryExpr) (btree.Value, error) {
	if b.Op == compiler.OpAnd || b.Op == compiler.OpOr {
		return ev.evalLogical(b)
	}
	left, err := ev.eval(b.Left)
	if err != nil {
		return btree.Value{}, err
	}
	right, err := ev.eval(b.Right)
	if err != nil {
		return btree.Value{}, err
	}
	switch b.Op {
	case compiler.OpEq, compiler.OpNe, compiler.OpLt, compiler.OpLe, compiler.OpGt, compiler.OpGe:
		return evalComparison(b.Op, left, right)
	case compiler.OpAdd, compiler.OpSub, compiler.OpMul, compiler.OpDiv, compiler.OpMod:
		return evalArithmetic(b.Op, left, right)
	default:
		return btree.Value{}, fmt.Errorf("unhandled binary operator %v", b.Op)
	}
}

func (ev *evaluator) evalLogical(b *compiler.BinaryExpr) (btree.Value, error) {
	left, err := ev.eval(b.Left)
	if err != nil {
		return btree.Value{}, err
	}
	if b.Op == compiler.OpAnd && !left.IsNull() && !truthy(left) {
		return btree.IntValue(0), nil
	}
	if b.Op == compiler.OpOr && !left.IsNull() && truthy(left) {
		return btree.IntValue(1), nil
	}
	right, err := ev.eval(b.Right)
	if err != nil {
		return btree.Value{}, err
	}
	if left.IsNull() || right.IsNull() {
		return btree.NullValue(), nil
	}
	if b.Op == compiler.OpAnd {
		return boolValue(truthy(left) && truthy(right)), nil
	}
	return boolValue(truthy(left) || truthy(right)), nil
}

func boolValue(b bool) btree.Value {
	if b {
		return btree.IntValue(1)
	}
	return btree.IntValue(0)
}

func truthy(v btree.Value) bool {
	switch v.Tag {
	case btree.TagInteger:
		return v.I != 0
	case btree.TagReal:
		return v.R != 0
	case btree.TagText:
		return v.Text != ""
	default:
		return false
	}
}

func numericOf(v btree.Value) float64 {
	if v.Tag == btree.TagInteger {
		return float64(v.I)
	}
	return v.R
}

// evalComparison compares values without implicit text/numeric coercion: a
// text value compared against a numeric value is neither equal nor ordered,
// matching the three valued NULL semantics used everywhere else.
func evalComparison(op compiler.BinaryOp, left, right btree.Value) (btree.Value, error) {
	if left.IsNull() || right.IsNull() {
		return btree.NullValue(), nil
	}
	numericLeft := left.Tag == btree.TagInteger || left.Tag == btree.TagReal
	numericRight := right.Tag == btree.TagInteger || right.Tag == btree.TagReal
	if numericLeft != numericRight && left.Tag != right.Tag {
		if op == compiler.OpEq {
			return btree.IntValue(0), nil
		}
		if op == compiler.OpNe {
			return btree.IntValue(1), nil
		}
		return btree.NullValue(), nil
	}
	cmp := btree.Compare(left, right)
	switch op {
	case compiler.OpEq:
		return boolValue(cmp == 0), nil
	case compiler.OpNe:
		return boolValue(cmp != 0), nil
	case compiler.OpLt:
		return boolValue(cmp < 0), nil
	case compiler.OpLe:
		return boolValue(cmp <= 0), nil
	case compiler.OpGt:
		return boolValue(cmp > 0), nil
	case compiler.OpGe:
		return boolValue(cmp >= 0), nil
	default:
		return btree.Value{}, fmt.Errorf("unhandled comparison operator %v", op)
	}
}

// evalArithmetic propagates NULL, promotes to Real when either operand is
// Real, and checks integer results for overflow.
func evalArithmetic(op compiler.BinaryOp, left, right btree.Value) (btree.Value, error) {
	if left.IsNull() || right.IsNull() {
		return btree.NullValue(), nil
	}
	if left.Tag != btree.TagInteger && left.Tag != btree.TagReal {
		return btree.Value{}, fmt.Errorf("cannot apply arithmetic to a text value")
	}
	if right.Tag != btree.TagInteger && right.Tag != btree.TagReal {
		return btree.Value{}, fmt.Errorf("cannot apply arithmetic to a text value")
	}
	if left.Tag == btree.TagReal || right.Tag == btree.TagReal {
		lf, rf := numericOf(left), numericOf(right)
		switch op {
		case compiler.OpAdd:
			return btree.RealValue(lf + rf), nil
		case compiler.OpSub:
			return btree.RealValue(lf - rf), nil
		case compiler.OpMul:
			return btree.RealValue(lf * rf), nil
		case compiler.OpDiv:
			if rf == 0 {
				return btree.Value{}, fmt.Errorf("division by zero")
			}
			return btree.RealValue(lf / rf), nil
		case compiler.OpMod:
			if rf == 0 {
				return btree.Value{}, fmt.Errorf("division by zero")
			}
			return btree.RealValue(math.Mod(lf, rf)), nil
		}
	}
	li, ri := left.I, right.I
	switch op {
	case compiler.OpAdd:
		sum := li + ri
		if (ri > 0 && sum < li) || (ri < 0 && sum > li) {
			return btree.Value{}, ErrOverflow
		}
		return btree.IntValue(sum), nil
	case compiler.OpSub:
		diff := li - ri
		if (ri < 0 && diff < li) || (ri > 0 && diff > li) {
			return btree.Value{}, ErrOverflow
		}
		return btree.IntValue(diff), nil
	case compiler.OpMul:
		if li == 0 || ri == 0 {
			return btree.IntValue(0), nil
		}
		prod := li * ri
		if prod/ri != li {
			return btree.Value{}, ErrOverflow
		}
		return btree.IntValue(prod), nil
	case compiler.OpDiv:
		if ri == 0 {
			return btree.Value{}, fmt.Errorf("division by zero")
		}
		if li == math.MinInt64 && ri == -1 {
			return btree.Value{}, ErrOverflow
		}
		return btree.IntValue(li / ri), nil
	case compiler.OpMod:
		if ri == 0 {
			return btree.Value{}, fmt.Errorf("division by zero")
		}
		return btree.IntValue(li % ri), nil
	default:
		return btree.Value{}, fmt.Errorf("unhandled arithmetic operator %v", op)
	}
}

// formatValue renders a value the way a result row displays it, NULL as a
// nil pointer.
func formatValue(v btree.Value) *string {
	if v.IsNull() {
		return nil
	}
	var s string
	switch v.Tag {
	case btree.TagInteger:
		s = strconv.FormatInt(v.I, 10)
	case btree.TagReal:
		s = strconv.FormatFloat(v.R, 'g', -1, 64)
	case btree.TagText:
		s = v.Text
	case btree.TagBlob:
		s = string(v.Blob)
	}
	return &s
}
