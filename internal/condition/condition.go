// Package condition evaluates `when:` predicate trees against the facts
// gathered for a host. A missing predicate is treated as true by callers;
// an evaluation error is surfaced so the step can be skipped with a
// warning rather than failing the task.
package condition

import (
	"fmt"
	"reflect"
	"strconv"
)

// Expr is a node in a predicate tree.
type Expr interface {
	expr()
}

// Lit is a literal value: bool, string, int64, float64 or a list of those.
type Lit struct {
	Value interface{}
}

// FactRef resolves a fact by name at evaluation time. Absent facts resolve
// to nil.
type FactRef struct {
	Name string
}

// CmpOp enumerates the comparison operators.
type CmpOp string

// Comparison operators.
const (
	OpEq CmpOp = "eq"
	OpNe CmpOp = "ne"
	OpLt CmpOp = "lt"
	OpGt CmpOp = "gt"
	OpLe CmpOp = "le"
	OpGe CmpOp = "ge"
)

// Cmp compares two resolved operands with a total ordering.
type Cmp struct {
	Op   CmpOp
	L, R Expr
}

// And short-circuits on a false left operand.
type And struct{ L, R Expr }

// Or short-circuits on a true left operand.
type Or struct{ L, R Expr }

// Not negates a boolean operand.
type Not struct{ E Expr }

// In tests membership of the left operand in the resolved list.
type In struct {
	E    Expr
	List Expr
}

func (Lit) expr()     {}
func (FactRef) expr() {}
func (Cmp) expr()     {}
func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}
func (In) expr()      {}

// Context carries what predicates may reference.
type Context struct {
	HostID string
	Facts  map[string]interface{}
}

// EvalBool evaluates the tree and coerces the result to a boolean. A nil
// expression is true (missing `when:`).
func EvalBool(e Expr, ctx Context) (bool, error) {
	if e == nil {
		return true, nil
	}
	v, err := eval(e, ctx)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func eval(e Expr, ctx Context) (interface{}, error) {
	switch n := e.(type) {
	case Lit:
		return n.Value, nil
	case FactRef:
		return ctx.Facts[n.Name], nil
	case Cmp:
		l, err := eval(n.L, ctx)
		if err != nil {
			return nil, err
		}
		r, err := eval(n.R, ctx)
		if err != nil {
			return nil, err
		}
		c := compare(l, r)
		switch n.Op {
		case OpEq:
			return c == 0, nil
		case OpNe:
			return c != 0, nil
		case OpLt:
			return c < 0, nil
		case OpGt:
			return c > 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGe:
			return c >= 0, nil
		default:
			return nil, fmt.Errorf("unknown comparison operator %q", n.Op)
		}
	case And:
		l, err := EvalBool(n.L, ctx)
		if err != nil {
			return nil, err
		}
		if !l {
			return false, nil
		}
		return EvalBool(n.R, ctx)
	case Or:
		l, err := EvalBool(n.L, ctx)
		if err != nil {
			return nil, err
		}
		if l {
			return true, nil
		}
		return EvalBool(n.R, ctx)
	case Not:
		v, err := EvalBool(n.E, ctx)
		if err != nil {
			return nil, err
		}
		return !v, nil
	case In:
		v, err := eval(n.E, ctx)
		if err != nil {
			return nil, err
		}
		list, err := eval(n.List, ctx)
		if err != nil {
			return nil, err
		}
		rv := reflect.ValueOf(list)
		if list == nil || rv.Kind() != reflect.Slice {
			return nil, fmt.Errorf("right operand of `in` is not a list (got %T)", list)
		}
		for i := 0; i < rv.Len(); i++ {
			if compare(v, rv.Index(i).Interface()) == 0 {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("unknown predicate node %T", e)
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		return true
	}
}

// compare provides a total ordering over predicate values: numbers compare
// numerically (across int/float), everything else by string rendering.
// Returns -1, 0 or 1.
func compare(l, r interface{}) int {
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch {
		case lf < rf:
			return -1
		case lf > rf:
			return 1
		default:
			return 0
		}
	}
	ls, rs := render(l), render(r)
	switch {
	case ls < rs:
		return -1
	case ls > rs:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func render(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
