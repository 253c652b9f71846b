// Package types provides domain models shared across crmrules components.
//
// types.go and errors.go carry the enumerations and the error taxonomy used by
// the editors, the codec and the store. Domain records live in records.go and
// ID utilities in ids.go.
//
// Wire-format agnostic: the gRPC layer converts to and from these types at the
// API boundary; nothing here knows about protobuf.
package types

import "strings"

// DataType is the semantic type of a field as reported by the field catalog.
// Drives which operators and value shapes are legal for a condition.
type DataType string

const (
	DataTypeUnknown       DataType = ""
	DataTypeString        DataType = "STRING"
	DataTypeTextArea      DataType = "TEXTAREA"
	DataTypeEmail         DataType = "EMAIL"
	DataTypePhone         DataType = "PHONE"
	DataTypeBoolean       DataType = "BOOLEAN"
	DataTypeInteger       DataType = "INTEGER"
	DataTypeDouble        DataType = "DOUBLE"
	DataTypeCurrency      DataType = "CURRENCY"
	DataTypePercent       DataType = "PERCENT"
	DataTypeDate          DataType = "DATE"
	DataTypeDateTime      DataType = "DATETIME"
	DataTypePicklist      DataType = "PICKLIST"
	DataTypeMultiPicklist DataType = "MULTIPICKLIST"
	DataTypeReference     DataType = "REFERENCE"
	DataTypeURL           DataType = "URL"
	DataTypeID            DataType = "ID"
)

// AllDataTypes lists every data type the catalog knows, in display order.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeString, DataTypeTextArea, DataTypeEmail, DataTypePhone,
		DataTypeBoolean, DataTypeInteger, DataTypeDouble, DataTypeCurrency,
		DataTypePercent, DataTypeDate, DataTypeDateTime, DataTypePicklist,
		DataTypeMultiPicklist, DataTypeReference, DataTypeURL, DataTypeID,
	}
}

// ParseDataType normalizes a catalog type name (case-insensitive).
// Returns false for names outside AllDataTypes.
func ParseDataType(s string) (DataType, bool) {
	dt := DataType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllDataTypes() {
		if dt == known {
			return dt, true
		}
	}
	return DataTypeUnknown, false
}

// IsEnumerable reports whether the type draws its values from a fixed set.
func (d DataType) IsEnumerable() bool {
	return d == DataTypePicklist || d == DataTypeMultiPicklist
}

// IsNumeric reports whether values of this type compare as numbers.
func (d DataType) IsNumeric() bool {
	switch d {
	case DataTypeInteger, DataTypeDouble, DataTypeCurrency, DataTypePercent:
		return true
	default:
		return false
	}
}

// IsTemporal reports whether values of this type are dates or timestamps.
func (d DataType) IsTemporal() bool {
	return d == DataTypeDate || d == DataTypeDateTime
}

// Combinator joins the conditions of a rule group.
type Combinator string

const (
	CombinatorAll    Combinator = "ALL"
	CombinatorAny    Combinator = "ANY"
	CombinatorCustom Combinator = "CUSTOM"
)

// ParseCombinator accepts ALL, ANY and CUSTOM in any case.
// The legacy spelling "Custom" written by older clients maps to CUSTOM.
func ParseCombinator(s string) (Combinator, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALL":
		return CombinatorAll, true
	case "ANY":
		return CombinatorAny, true
	case "CUSTOM":
		return CombinatorCustom, true
	default:
		return "", false
	}
}

// PolicyType selects how a commission policy computes its amount.
type PolicyType string

const (
	PolicyTypeUnset      PolicyType = ""
	PolicyTypeFixed      PolicyType = "fixed"
	PolicyTypePercentage PolicyType = "percentage"
	PolicyTypeRange      PolicyType = "range"
)

// ParsePolicyType accepts fixed, percentage and range in any case.
func ParsePolicyType(s string) (PolicyType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return PolicyTypeFixed, true
	case "percentage":
		return PolicyTypePercentage, true
	case "range":
		return PolicyTypeRange, true
	default:
		return PolicyTypeUnset, false
	}
}

// CommissionType is the sub-rule inside a range bracket.
// Ranges cannot nest, so only fixed and percentage are legal.
type CommissionType string

const (
	CommissionTypeUnset      CommissionType = ""
	CommissionTypeFixed      CommissionType = "fixed"
	CommissionTypePercentage CommissionType = "percentage"
)

// ParseCommissionType accepts fixed and percentage in any case.
func ParseCommissionType(s string) (CommissionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fixed":
		return CommissionTypeFixed, true
	case "percentage":
		return CommissionTypePercentage, true
	default:
		return CommissionTypeUnset, false
	}
}

// EnumValue is one allowed value of a picklist field.
type EnumValue struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

// ObjectInfo describes a scoring object (Lead, Booking, ...).
type ObjectInfo struct {
	Name  string `json:"name" db:"object_name" yaml:"name"`
	Label string `json:"label" db:"label" yaml:"label"`
}

// FieldInfo describes one field of a scoring object.
type FieldInfo struct {
	Name     string   `json:"name" db:"field_name" yaml:"name"`
	Label    string   `json:"label" db:"label" yaml:"label"`
	DataType DataType `json:"dataType" db:"data_type" yaml:"type"`
}

// Limits enforced by the editors and the store.
const (
	// MaxGroupsPerObject bounds rule groups per scoring object.
	MaxGroupsPerObject = 200

	// MaxConditionsPerGroup bounds condition rows per group.
	MaxConditionsPerGroup = 100

	// MaxPoliciesPerScope bounds commission policies per scope.
	MaxPoliciesPerScope = 100

	// MaxRangesPerPolicy bounds brackets in a range policy.
	MaxRangesPerPolicy = 50

	// MaxExpressionLength bounds custom condition logic text.
	MaxExpressionLength = 1024
)
