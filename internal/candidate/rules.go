package candidate

import (
	"fmt"

	"food-aps/internal/types"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// Rule 可配置的硬约束表达式，环境变量为 order 和 line
// 例如: "order.Quantity <= line.MaxCapacity * 16"
type Rule struct {
	Name string `mapstructure:"name"`
	Expr string `mapstructure:"expr"`
}

type compiledRule struct {
	name    string
	program *vm.Program
}

func ruleEnv(o *types.ProductionOrder, l *types.ProductionLine) map[string]interface{} {
	return map[string]interface{}{"order": o, "line": l}
}

// compileRules 启动时编译全部规则，表达式错误直接返回
func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	env := ruleEnv(&types.ProductionOrder{}, &types.ProductionLine{})
	for _, r := range rules {
		if r.Expr == "" {
			continue
		}
		program, err := expr.Compile(r.Expr, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %q compilation failed: %w", r.Name, err)
		}
		out = append(out, compiledRule{name: r.Name, program: program})
	}
	return out, nil
}

// evaluate 返回第一条不满足的规则名，全部满足时返回空串
func evaluate(rules []compiledRule, o *types.ProductionOrder, l *types.ProductionLine) (string, error) {
	env := ruleEnv(o, l)
	for _, r := range rules {
		result, err := expr.Run(r.program, env)
		if err != nil {
			return r.name, fmt.Errorf("rule %q execution failed: %w", r.name, err)
		}
		ok, isBool := result.(bool)
		if !isBool {
			return r.name, fmt.Errorf("rule %q result is not a boolean", r.name)
		}
		if !ok {
			return r.name, nil
		}
	}
	return "", nil
}
