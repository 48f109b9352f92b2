// Package rule 用 CEL 表达式评估奖励的资格规则。
package rule

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"rally/internal/pkg/logger"
	"rally/internal/service/ticketing/domain"
	"rally/internal/service/ticketing/domain/port"
)

// CelEngine 实现 port.RuleEngine。规则编译后按原文缓存。
//
// 可用变量:
//
//	member.tier                         会员等级，非会员为空串
//	event.id / event.club_id / event.currency
//	event.price                         原价 (double)
//	balance                             当前积分 (int)
type CelEngine struct {
	env      *cel.Env
	programs sync.Map // rule -> cel.Program
}

func NewCelEngine() (*CelEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("member", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("balance", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	return &CelEngine{env: env}, nil
}

// Compile 校验规则，返回可执行的程序。
func (e *CelEngine) Compile(rule string) (cel.Program, error) {
	if p, ok := e.programs.Load(rule); ok {
		return p.(cel.Program), nil
	}
	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, domain.NewError(domain.KindInvalidRewardDefinition, fmt.Sprintf("eligibility rule %q", rule), iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, domain.NewError(domain.KindInvalidRewardDefinition,
			fmt.Sprintf("eligibility rule %q must evaluate to bool, got %s", rule, ast.OutputType()), nil)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidRewardDefinition, fmt.Sprintf("eligibility rule %q", rule), err)
	}
	e.programs.Store(rule, prg)
	return prg, nil
}

func (e *CelEngine) Evaluate(ctx context.Context, rule string, facts port.Facts) (bool, error) {
	prg, err := e.Compile(rule)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any(facts))
	if err != nil {
		// 缺字段等运行期错误按不满足处理
		logger.Ctx(ctx).Debug().Err(err).Str("rule", rule).Msg("eligibility rule evaluation failed")
		return false, nil
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, domain.NewError(domain.KindInvalidRewardDefinition, fmt.Sprintf("eligibility rule %q returned %T", rule, out.Value()), nil)
	}
	return ok, nil
}
