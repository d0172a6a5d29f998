package agentflow

import (
	"context"
	"maps"

	"github.com/randalmurphal/agentflow/pkg/agentflow/expr"
)

// ConditionVars builds the variables CONDITIONAL expressions see: memory
// keys at the top level, then output, memory, success, error and route,
// which shadow memory keys of the same name.
//
//	output.score >= 0.8 and success
//	memory.attempts < 3
//	verdict == "approve"
func ConditionVars(memory map[string]any, result NodeResult) map[string]any {
	vars := make(map[string]any, len(memory)+5)
	maps.Copy(vars, memory)
	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	vars["output"] = output
	vars["memory"] = memory
	vars["success"] = result.Success
	vars["error"] = result.Error
	vars["route"] = routeOf(result)
	return vars
}

// ExprCondition is the default ConditionFunc: it evaluates the edge's
// condition_expr with the expr package over ConditionVars.
func ExprCondition(_ context.Context, edge EdgeSpec, memory map[string]any, result NodeResult) (bool, error) {
	if edge.ConditionExpr == "" {
		return false, nil
	}
	return expr.Eval(edge.ConditionExpr, ConditionVars(memory, result))
}

// routeOf returns the route a result chose: Route, or else a string
// output under RouteKey.
func routeOf(result NodeResult) string {
	if result.Route != "" {
		return result.Route
	}
	if s, ok := result.Output[RouteKey].(string); ok {
		return s
	}
	return ""
}
