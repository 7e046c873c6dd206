package builtin

import (
	"context"
	"math"

	"github.com/hupe1980/agentcrew/core"
	"github.com/hupe1980/agentcrew/internal/util"
	"github.com/hupe1980/agentcrew/tool"
)

type calculatorInput struct {
	Operation string    `json:"operation" jsonschema:"enum=add,enum=subtract,enum=multiply,enum=divide,enum=modulo,enum=power,enum=sqrt,enum=abs,enum=round,enum=percentage,enum=sum,enum=average,enum=min,enum=max"`
	A         *float64  `json:"a,omitempty" jsonschema:"description=First operand"`
	B         *float64  `json:"b,omitempty" jsonschema:"description=Second operand"`
	Values    []float64 `json:"values,omitempty" jsonschema:"description=Operands for sum and average and min and max"`
	Precision int       `json:"precision,omitempty" jsonschema:"minimum=0,maximum=12,description=Decimal places for round"`
}

type calculatorOutput struct {
	Operation string  `json:"operation"`
	Result    float64 `json:"result"`
}

var (
	binaryOps    = map[string]bool{"add": true, "subtract": true, "multiply": true, "divide": true, "modulo": true, "power": true, "percentage": true}
	unaryOps     = map[string]bool{"sqrt": true, "abs": true, "round": true}
	aggregateOps = map[string]bool{"sum": true, "average": true, "min": true, "max": true}
)

// CalculatorTool evaluates a closed set of mathematical operations.
type CalculatorTool struct {
	tool.Base
}

// NewCalculatorTool creates the calculator tool.
func NewCalculatorTool() *CalculatorTool {
	return &CalculatorTool{Base: tool.Base{Def: tool.Definition{
		ID:   CalculatorToolName,
		Name: "Calculator",
		Description: "Exact arithmetic. Binary operations (add, subtract, multiply, divide, modulo, power, " +
			"percentage as a percent of b) take a and b; sqrt, abs and round take a; sum, average, min and max take values.",
		InputSchema:  util.SchemaFor(calculatorInput{}),
		OutputSchema: util.SchemaFor(calculatorOutput{}),
	}}}
}

// ValidateInput implements tool.Tool.
func (t *CalculatorTool) ValidateInput(input map[string]any) error {
	if err := t.Base.ValidateInput(input); err != nil {
		return err
	}
	in, err := decode[calculatorInput](CalculatorToolName, input)
	if err != nil {
		return err
	}
	switch {
	case binaryOps[in.Operation]:
		if in.A == nil || in.B == nil {
			return tool.InvalidInput(CalculatorToolName, "%s needs a and b", in.Operation)
		}
	case unaryOps[in.Operation]:
		if in.A == nil {
			return tool.InvalidInput(CalculatorToolName, "%s needs a", in.Operation)
		}
	case aggregateOps[in.Operation]:
		if len(in.Values) == 0 {
			return tool.InvalidInput(CalculatorToolName, "%s needs a non-empty values list", in.Operation)
		}
	}
	return nil
}

// Execute implements tool.Tool.
func (t *CalculatorTool) Execute(_ context.Context, input map[string]any) (any, error) {
	in, err := decode[calculatorInput](CalculatorToolName, input)
	if err != nil {
		return nil, err
	}
	result, err := calculate(in)
	if err != nil {
		return nil, err
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return nil, tool.NewToolError(CalculatorToolName, "result is not a finite number", core.KindExecutionFailed)
	}
	return calculatorOutput{Operation: in.Operation, Result: result}, nil
}

func calculate(in calculatorInput) (float64, error) {
	if aggregateOps[in.Operation] && len(in.Values) == 0 {
		return 0, tool.InvalidInput(CalculatorToolName, "%s needs a non-empty values list", in.Operation)
	}

	var a, b float64
	if in.A != nil {
		a = *in.A
	}
	if in.B != nil {
		b = *in.B
	}

	switch in.Operation {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, tool.InvalidInput(CalculatorToolName, "division by zero")
		}
		return a / b, nil
	case "modulo":
		if b == 0 {
			return 0, tool.InvalidInput(CalculatorToolName, "modulo by zero")
		}
		return math.Mod(a, b), nil
	case "power":
		return math.Pow(a, b), nil
	case "percentage":
		return a / 100 * b, nil
	case "sqrt":
		if a < 0 {
			return 0, tool.InvalidInput(CalculatorToolName, "square root of a negative number")
		}
		return math.Sqrt(a), nil
	case "abs":
		return math.Abs(a), nil
	case "round":
		scale := math.Pow(10, float64(in.Precision))
		return math.Round(a*scale) / scale, nil
	case "sum", "average":
		var total float64
		for _, v := range in.Values {
			total += v
		}
		if in.Operation == "average" {
			return total / float64(len(in.Values)), nil
		}
		return total, nil
	case "min", "max":
		out := in.Values[0]
		for _, v := range in.Values[1:] {
			if (in.Operation == "min" && v < out) || (in.Operation == "max" && v > out) {
				out = v
			}
		}
		return out, nil
	}
	return 0, tool.InvalidInput(CalculatorToolName, "unsupported operation %q", in.Operation)
}
