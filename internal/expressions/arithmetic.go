package expressions

import (
	"fmt"
	"math"

	"github.com/expr-lang/expr/ast"
)

const checkedArithmeticFn = "__reqflow_arith"

var arithmeticOperators = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true, "**": true,
}

// arithmeticPatcher rewrites arithmetic binary nodes into calls to
// checkedArithmetic. Walk visits children first, so nested operands are
// already rewritten.
type arithmeticPatcher struct{}

func (arithmeticPatcher) Visit(node *ast.Node) {
	bin, ok := (*node).(*ast.BinaryNode)
	if !ok || !arithmeticOperators[bin.Operator] {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: checkedArithmeticFn},
		Arguments: []ast.Node{&ast.StringNode{Value: bin.Operator}, bin.Left, bin.Right},
	})
}

func checkedArithmetic(params ...any) (any, error) {
	if len(params) != 3 {
		return nil, fmt.Errorf("arithmetic needs two operands")
	}
	op, _ := params[0].(string)
	l, lok := arithmeticOperand(params[1])
	if !lok {
		return nil, fmt.Errorf("non-numeric operand %v (%T) for %s", params[1], params[1], op)
	}
	r, rok := arithmeticOperand(params[2])
	if !rok {
		return nil, fmt.Errorf("non-numeric operand %v (%T) for %s", params[2], params[2], op)
	}

	li, lInt := l.(int)
	ri, rInt := r.(int)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "%":
			if ri == 0 {
				return nil, fmt.Errorf("integer modulo by zero")
			}
			return li % ri, nil
		}
	}

	lf, rf := toFloat(l), toFloat(r)
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		return lf / rf, nil
	case "**":
		return math.Pow(lf, rf), nil
	case "%":
		return nil, fmt.Errorf("modulo needs integer operands")
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

// arithmeticOperand returns v as int or float64. Booleans are not numbers.
func arithmeticOperand(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		return parseNumber(n)
	}
	return nil, false
}

func toFloat(v any) float64 {
	if i, ok := v.(int); ok {
		return float64(i)
	}
	return v.(float64)
}
