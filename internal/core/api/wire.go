package api

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

/*
 * Wire messages.
 *
 * Every ConfigService request and response travels as a
 * google.protobuf.Struct holding the JSON form of one of the types below.
 * Decimals are JSON strings so amounts survive the Struct's float64
 * numbers unchanged; codec blobs inside payloads are nested objects.
 */

type ListObjectsRequest struct{}

type ListObjectsResponse struct {
	Objects []types.ObjectInfo `json:"objects"`
}

type ListFieldsRequest struct {
	Object string `json:"object"`
}

type ListFieldsResponse struct {
	Fields []types.FieldInfo `json:"fields"`
}

type FieldRequest struct {
	Object string `json:"object"`
	Field  string `json:"field"`
}

type FieldTypeResponse struct {
	DataType types.DataType `json:"dataType"`
}

type EnumValuesResponse struct {
	Values []types.EnumValue `json:"values"`
}

type LoadRulesRequest struct {
	Object string `json:"object"`
}

// LoadRulesResponse carries the persisted groups flattened the same way a
// submit payload is.
type LoadRulesResponse struct {
	Rules rules.RulePayload `json:"rules"`
}

type SubmitRulesRequest struct {
	Object  string            `json:"object"`
	Payload rules.RulePayload `json:"payload"`
}

type SubmitRulesResponse struct {
	Ack rules.RuleAck `json:"ack"`
}

type LoadPoliciesRequest struct {
	Scope string `json:"scope"`
}

type LoadPoliciesResponse struct {
	Policies commission.PolicyPayload `json:"policies"`
}

type SubmitPoliciesRequest struct {
	Scope   string                   `json:"scope"`
	Payload commission.PolicyPayload `json:"payload"`
}

type SubmitPoliciesResponse struct {
	Ack commission.PolicyAck `json:"ack"`
}

// EvaluateRequest scores Record against the object's persisted rules.
type EvaluateRequest struct {
	Object string         `json:"object"`
	Record map[string]any `json:"record"`
}

// QuoteRequest prices a sale. Without PolicyID the first active policy in
// the scope is used, restricted to PolicyType when set.
type QuoteRequest struct {
	Scope      string           `json:"scope"`
	PolicyID   types.PolicyID   `json:"policyId,omitempty"`
	PolicyType types.PolicyType `json:"policyType,omitempty"`
	Amount     decimal.Decimal  `json:"amount"`
}

type QuoteResponse struct {
	PolicyID types.PolicyID `json:"policyId"`
	commission.QuoteResult
}

// Encode converts a message into its Struct form.
func Encode(msg any) (*structpb.Struct, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// Decode fills msg from a Struct. A nil Struct decodes as an empty object.
func Decode(in *structpb.Struct, msg any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
