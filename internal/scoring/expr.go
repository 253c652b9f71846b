// internal/scoring/expr.go
package scoring

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

/*
 * Custom condition logic.
 *
 * Logic such as "(1 OR 2) AND NOT 3" is rewritten word by word into a CEL
 * expression over boolean variables c1..cN ("(c1 || c2) && !c3") and
 * compiled against an environment declaring exactly N variables. CEL gives
 * the precedence the editor documents: NOT, then AND, then OR.
 *
 * The editor only checks that the numbers are in range; the full grammar is
 * enforced here when a persisted group is compiled for evaluation.
 */

// Logic is compiled custom condition logic for a group of n conditions.
type Logic struct {
	canonical string
	n         int
	program   cel.Program
}

var logicEnvs sync.Map // condition count -> *cel.Env

func condVar(pos int) string { return "c" + strconv.Itoa(pos) }

func logicEnv(n int) (*cel.Env, error) {
	if env, ok := logicEnvs.Load(n); ok {
		return env.(*cel.Env), nil
	}
	opts := make([]cel.EnvOption, 0, n)
	for pos := 1; pos <= n; pos++ {
		opts = append(opts, cel.Variable(condVar(pos), cel.BoolType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	actual, _ := logicEnvs.LoadOrStore(n, env)
	return actual.(*cel.Env), nil
}

// ParseLogic compiles expr and checks every reference against n conditions.
func ParseLogic(expr string, n int) (*Logic, error) {
	src, canonical, err := toCEL(expr, n)
	if err != nil {
		return nil, err
	}

	env, err := logicEnv(n)
	if err != nil {
		return nil, fmt.Errorf("condition logic environment: %w", err)
	}
	ast, iss := env.Compile(src)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q does not parse", ErrInvalidExpression, canonical)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q is not a condition", ErrInvalidExpression, canonical)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	return &Logic{canonical: canonical, n: n, program: program}, nil
}

// toCEL maps each word of expr onto its CEL spelling. It also returns the
// canonical form: upper-case keywords, single spaces, no padding inside
// parentheses.
func toCEL(expr string, n int) (src, canonical string, err error) {
	words := strings.Fields(strings.NewReplacer("(", " ( ", ")", " ) ").Replace(expr))
	if len(words) == 0 {
		return "", "", fmt.Errorf("%w: logic is empty", ErrInvalidExpression)
	}

	celWords := make([]string, 0, len(words))
	var b strings.Builder
	for i, w := range words {
		word := strings.ToUpper(w)
		switch word {
		case "AND":
			celWords = append(celWords, "&&")
		case "OR":
			celWords = append(celWords, "||")
		case "NOT":
			celWords = append(celWords, "!")
		case "(", ")":
			celWords = append(celWords, word)
		default:
			ref, convErr := strconv.Atoi(w)
			if convErr != nil && !isDigits(w) {
				return "", "", fmt.Errorf("%w: unknown keyword %q", ErrInvalidExpression, w)
			}
			if convErr != nil || ref < 1 || ref > n {
				return "", "", fmt.Errorf("%w: condition %s does not exist", ErrInvalidExpression, w)
			}
			celWords = append(celWords, condVar(ref))
		}

		if i > 0 && words[i-1] != "(" && word != ")" {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	return strings.Join(celWords, " "), b.String(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Eval reports the logic's truth given each condition's outcome. cond is
// only called for positions the evaluation reaches.
func (l *Logic) Eval(cond func(pos int) bool) (bool, error) {
	vars := make(map[string]any, l.n)
	for pos := 1; pos <= l.n; pos++ {
		vars[condVar(pos)] = func() any { return cond(pos) }
	}
	out, _, err := l.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate condition logic %q: %w", l.canonical, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition logic %q produced %T", l.canonical, out.Value())
	}
	return matched, nil
}

func (l *Logic) String() string { return l.canonical }
