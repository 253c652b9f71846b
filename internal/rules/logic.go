// internal/rules/logic.go
package rules

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/solatis/crmrules/internal/types"
)

/*
 * Custom condition logic validation.
 *
 * A CUSTOM group carries free text such as "1 AND (2 OR 3)". Validation is
 * deliberately syntax-light: it extracts every integer token and checks
 * that each refers to an existing condition position. Operator grammar is
 * the evaluator's concern (internal/scoring parses it fully).
 */

var logicNumber = regexp.MustCompile(`\d+`)

// Messages reported by ValidateLogic. Exported so hosts can match on them.
const (
	MsgLogicRequired = "Condition Logic is required for Custom criteria"
	MsgLogicFormat   = "Invalid Condition Logic format"
)

// ValidateLogic checks expr against a group with n conditions.
// Reports one error per out-of-range reference, naming the number.
func ValidateLogic(path, expr string, n int) types.ValidationErrors {
	var errs types.ValidationErrors

	if strings.TrimSpace(expr) == "" {
		errs.Add(path, MsgLogicRequired)
		return errs
	}
	if len(expr) > types.MaxExpressionLength {
		errs.Add(path, "Condition Logic exceeds %d characters", types.MaxExpressionLength)
		return errs
	}

	numbers := logicNumber.FindAllString(expr, -1)
	if len(numbers) == 0 {
		errs.Add(path, MsgLogicFormat)
		return errs
	}

	for _, num := range numbers {
		ref, err := strconv.Atoi(num)
		// Overflowing tokens are out of range by definition
		if err != nil || ref < 1 || ref > n {
			errs.Add(path, "Invalid Condition Logic: Condition %s does not exist", num)
		}
	}
	return errs
}

// ReferencedConditions returns the distinct positions expr mentions, in
// first-appearance order. Tokens that do not parse are skipped.
func ReferencedConditions(expr string) []int {
	seen := make(map[int]bool)
	var refs []int
	for _, num := range logicNumber.FindAllString(expr, -1) {
		ref, err := strconv.Atoi(num)
		if err != nil || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}
