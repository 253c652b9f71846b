// internal/rules/operators.go
package rules

import (
	"strings"

	"github.com/solatis/crmrules/internal/types"
)

/*
 * Operator catalog.
 *
 * Static mapping from field data type to the ordered operator options the
 * criteria builder offers. The table is the single source of truth for
 * operator legality: SetOperator, ValidateGroups and the scoring evaluator
 * all consult it.
 *
 * Unknown types map to an empty list. Callers surface that as
 * types.ErrNoOperators instead of falling back to a permissive default.
 *
 * Range mode: only DATE and DATETIME rows switch to from/to inputs for the
 * between operator. CURRENCY offers BETWEEN but keeps a single value written
 * as "low AND high".
 */

// Operator codes as persisted in condition blobs.
const (
	OpEquals         = "="
	OpNotEquals      = "!="
	OpLessThan       = "<"
	OpLessOrEqual    = "<="
	OpGreaterThan    = ">"
	OpGreaterOrEqual = ">="
	OpContains       = "LIKE"
	OpNotContains    = "NOT LIKE"
	OpStartsWith     = "STARTS_WITH"
	OpEndsWith       = "ENDS_WITH"
	OpIsNull         = "IS_NULL"
	OpIsNotNull      = "IS_NOT_NULL"
	OpBetween        = "between"
	OpBetweenAmount  = "BETWEEN"
	OpIncludes       = "INCLUDES"
	OpExcludes       = "EXCLUDES"
	OpIn             = "IN"
)

// RangeSeparator joins the two bounds of a between value in its scalar form.
const RangeSeparator = " AND "

// OperatorOption is one entry of the operator picker.
type OperatorOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

var (
	optEquals         = OperatorOption{"Equals", OpEquals}
	optNotEquals      = OperatorOption{"Not Equals", OpNotEquals}
	optContains       = OperatorOption{"Contains", OpContains}
	optNotContains    = OperatorOption{"Does Not Contain", OpNotContains}
	optStartsWith     = OperatorOption{"Starts With", OpStartsWith}
	optEndsWith       = OperatorOption{"Ends With", OpEndsWith}
	optIsBlank        = OperatorOption{"Is Blank", OpIsNull}
	optIsNotBlank     = OperatorOption{"Is Not Blank", OpIsNotNull}
	optLessThan       = OperatorOption{"Less Than", OpLessThan}
	optLessOrEqual    = OperatorOption{"Less Than or Equal", OpLessOrEqual}
	optGreaterThan    = OperatorOption{"Greater Than", OpGreaterThan}
	optGreaterOrEqual = OperatorOption{"Greater Than or Equal", OpGreaterOrEqual}
)

var operatorCatalog = map[types.DataType][]OperatorOption{
	types.DataTypeString: {
		optEquals, optNotEquals, optContains, optNotContains,
		optStartsWith, optEndsWith, optIsBlank, optIsNotBlank,
	},
	types.DataTypeTextArea: {optContains, optNotContains, optIsBlank, optIsNotBlank},
	types.DataTypeEmail:    {optEquals, optContains, optEndsWith, optIsBlank},
	types.DataTypePhone:    {optEquals, optContains, optIsBlank},
	types.DataTypeBoolean:  {optEquals},
	types.DataTypeInteger: {
		optEquals, optNotEquals, optLessThan, optLessOrEqual,
		optGreaterThan, optGreaterOrEqual, optIsBlank,
	},
	types.DataTypeDouble: {
		optEquals, optNotEquals, optLessThan, optLessOrEqual,
		optGreaterThan, optGreaterOrEqual,
	},
	types.DataTypeCurrency: {
		optEquals, optGreaterThan, optLessThan, {"Between", OpBetweenAmount},
	},
	types.DataTypePercent: {optEquals, optGreaterThan, optLessThan},
	types.DataTypeDate: {
		optEquals, optNotEquals,
		{"Before", OpLessThan}, {"After", OpGreaterThan},
		{"Between", OpBetween},
		{"On or Before", OpLessOrEqual}, {"On or After", OpGreaterOrEqual},
		optIsBlank,
	},
	types.DataTypeDateTime: {
		optEquals, {"Before", OpLessThan}, {"After", OpGreaterThan}, {"Between", OpBetween},
	},
	types.DataTypePicklist:      {optEquals, optNotEquals, optIsBlank},
	types.DataTypeMultiPicklist: {{"Includes", OpIncludes}, {"Excludes", OpExcludes}},
	types.DataTypeReference:     {optEquals, optNotEquals, optIsBlank, optIsNotBlank},
	types.DataTypeURL:           {optEquals, optContains},
	types.DataTypeID:            {optEquals, {"In", OpIn}},
}

// OperatorsFor returns the ordered operator options for a data type.
// Returns an empty (non-nil) list for unknown types. The slice is a copy.
func OperatorsFor(dt types.DataType) []OperatorOption {
	opts := operatorCatalog[dt]
	out := make([]OperatorOption, len(opts))
	copy(out, opts)
	return out
}

// Allows reports whether op is a catalog operator for dt.
// Matches operator codes exactly; labels are not accepted.
func Allows(dt types.DataType, op string) bool {
	for _, opt := range operatorCatalog[dt] {
		if opt.Value == op {
			return true
		}
	}
	return false
}

// SupportsRange reports whether rows of this type switch to from/to inputs
// for the between operator.
func SupportsRange(dt types.DataType) bool {
	return dt.IsTemporal()
}

// IsBetween reports whether op is either spelling of the between operator.
func IsBetween(op string) bool {
	return strings.EqualFold(op, OpBetween)
}

// IsNullCheck reports whether op ignores the condition value.
func IsNullCheck(op string) bool {
	return op == OpIsNull || op == OpIsNotNull
}

// InputType is the widget hint for a value input of the given type.
func InputType(dt types.DataType) string {
	switch {
	case dt == types.DataTypeDate:
		return "date"
	case dt == types.DataTypeDateTime:
		return "datetime-local"
	case dt.IsNumeric():
		return "number"
	case dt == types.DataTypeEmail:
		return "email"
	case dt == types.DataTypeBoolean:
		return "checkbox"
	default:
		return "text"
	}
}

// SplitRange splits a "from AND to" scalar into its bounds.
// Returns false when the separator is absent.
func SplitRange(value string) (from, to string, ok bool) {
	parts := strings.SplitN(value, RangeSeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

// JoinRange is the inverse of SplitRange.
func JoinRange(from, to string) string {
	return from + RangeSeparator + to
}
