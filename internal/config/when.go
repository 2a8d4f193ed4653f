package config

import (
	"fmt"

	"github.com/nexusrun/nexus/internal/condition"
	"gopkg.in/yaml.v3"
)

// ParseWhen turns the YAML predicate surface into a condition tree.
//
//	when:
//	  and:
//	    - eq: [{fact: os_family}, debian]
//	    - gt: [{fact: memory_mb}, 2048]
//
// Operators: eq ne lt gt le ge (two operands), in (value, list), and/or
// (two or more operands, folded left), not (one operand). Operands are
// literals or {fact: name} references.
func ParseWhen(node *yaml.Node) (condition.Expr, error) {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return nil, err
	}
	return parseExpr(raw)
}

func parseExpr(v interface{}) (condition.Expr, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) != 1 {
			return nil, fmt.Errorf("predicate mapping must have exactly one key, got %d", len(t))
		}
		for key, value := range t {
			return parseOp(key, value)
		}
		return nil, nil
	case bool, string, int, int64, float64, nil:
		return condition.Lit{Value: v}, nil
	case []interface{}:
		return condition.Lit{Value: t}, nil
	default:
		return nil, fmt.Errorf("unsupported predicate value %T", v)
	}
}

func parseOp(key string, value interface{}) (condition.Expr, error) {
	switch key {
	case "fact":
		name, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("fact reference must be a string, got %T", value)
		}
		return condition.FactRef{Name: name}, nil

	case "eq", "ne", "lt", "gt", "le", "ge":
		l, r, err := twoOperands(key, value)
		if err != nil {
			return nil, err
		}
		return condition.Cmp{Op: condition.CmpOp(key), L: l, R: r}, nil

	case "in":
		l, r, err := twoOperands(key, value)
		if err != nil {
			return nil, err
		}
		return condition.In{E: l, List: r}, nil

	case "and", "or":
		operands, ok := value.([]interface{})
		if !ok || len(operands) < 2 {
			return nil, fmt.Errorf("%q needs a list of at least two predicates", key)
		}
		acc, err := parseExpr(operands[0])
		if err != nil {
			return nil, err
		}
		for _, operand := range operands[1:] {
			next, err := parseExpr(operand)
			if err != nil {
				return nil, err
			}
			if key == "and" {
				acc = condition.And{L: acc, R: next}
			} else {
				acc = condition.Or{L: acc, R: next}
			}
		}
		return acc, nil

	case "not":
		inner, err := parseExpr(value)
		if err != nil {
			return nil, err
		}
		return condition.Not{E: inner}, nil

	default:
		return nil, fmt.Errorf("unknown predicate operator %q", key)
	}
}

func twoOperands(op string, value interface{}) (condition.Expr, condition.Expr, error) {
	pair, ok := value.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, nil, fmt.Errorf("%q needs a two-element operand list", op)
	}
	l, err := parseExpr(pair[0])
	if err != nil {
		return nil, nil, err
	}
	r, err := parseExpr(pair[1])
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}
