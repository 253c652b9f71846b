// Package client talks to a crmrules server over gRPC.
//
// Client implements rules.FieldResolver, rules.RuleStore and
// commission.PolicyStore, so the rule and commission editors run unchanged
// against a remote server. Server statuses are turned back into the domain
// errors the editors expect: validation violations become
// types.ValidationErrors, resolution failures *types.ResolutionError, and
// sentinel-backed failures keep errors.Is working.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/core/api"
	"github.com/solatis/crmrules/internal/core/auth"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/scoring"
	"github.com/solatis/crmrules/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	_ rules.FieldResolver    = (*Client)(nil)
	_ rules.RuleStore        = (*Client)(nil)
	_ commission.PolicyStore = (*Client)(nil)
)

// Client is a ConfigService client. Safe for concurrent use.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	apiKey  string
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key in the x-api-key metadata of every call.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout bounds each call that has no earlier deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Dial connects to a server at target without transport security.
func Dial(target string, opts ...Option) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := New(conn, opts...)
	c.closer = conn.Close
	return c, nil
}

// New wraps an existing connection. Close does not close conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := api.Encode(req)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.MetadataKey, c.apiKey)
	}
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return fromStatus(err)
	}
	return api.Decode(out, resp)
}

// ListObjects returns the server's scoring objects.
func (c *Client) ListObjects(ctx context.Context) ([]types.ObjectInfo, error) {
	var resp api.ListObjectsResponse
	if err := c.call(ctx, api.MethodListObjects, api.ListObjectsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// ListFields returns the fields of object.
func (c *Client) ListFields(ctx context.Context, object string) ([]types.FieldInfo, error) {
	var resp api.ListFieldsResponse
	if err := c.call(ctx, api.MethodListFields, api.ListFieldsRequest{Object: object}, &resp); err != nil {
		return nil, err
	}
	return resp.Fields, nil
}

// ResolveFieldType implements rules.FieldResolver.
func (c *Client) ResolveFieldType(ctx context.Context, object, field string) (types.DataType, error) {
	var resp api.FieldTypeResponse
	if err := c.call(ctx, api.MethodResolveFieldType, api.FieldRequest{Object: object, Field: field}, &resp); err != nil {
		return types.DataTypeUnknown, err
	}
	return resp.DataType, nil
}

// ResolveEnumValues implements rules.FieldResolver.
func (c *Client) ResolveEnumValues(ctx context.Context, object, field string) ([]types.EnumValue, error) {
	var resp api.EnumValuesResponse
	if err := c.call(ctx, api.MethodResolveEnumValues, api.FieldRequest{Object: object, Field: field}, &resp); err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// LoadRules implements rules.RuleStore.
func (c *Client) LoadRules(ctx context.Context, object string) ([]*types.RuleGroup, error) {
	var resp api.LoadRulesResponse
	if err := c.call(ctx, api.MethodLoadRules, api.LoadRulesRequest{Object: object}, &resp); err != nil {
		return nil, err
	}
	return rules.GroupsFromPayload(resp.Rules)
}

// PersistRules implements rules.RuleStore.
func (c *Client) PersistRules(ctx context.Context, object string, payload rules.RulePayload) (rules.RuleAck, error) {
	var resp api.SubmitRulesResponse
	if err := c.call(ctx, api.MethodSubmitRules, api.SubmitRulesRequest{Object: object, Payload: payload}, &resp); err != nil {
		return rules.RuleAck{}, err
	}
	return resp.Ack, nil
}

// LoadPolicies implements commission.PolicyStore.
func (c *Client) LoadPolicies(ctx context.Context, scope string) ([]*types.CommissionPolicy, error) {
	var resp api.LoadPoliciesResponse
	if err := c.call(ctx, api.MethodLoadPolicies, api.LoadPoliciesRequest{Scope: scope}, &resp); err != nil {
		return nil, err
	}
	return commission.PoliciesFromPayload(resp.Policies)
}

// PersistPolicies implements commission.PolicyStore.
func (c *Client) PersistPolicies(ctx context.Context, scope string, payload commission.PolicyPayload) (commission.PolicyAck, error) {
	var resp api.SubmitPoliciesResponse
	if err := c.call(ctx, api.MethodSubmitPolicies, api.SubmitPoliciesRequest{Scope: scope, Payload: payload}, &resp); err != nil {
		return commission.PolicyAck{}, err
	}
	return resp.Ack, nil
}

// Evaluate scores record against the object's persisted rules.
func (c *Client) Evaluate(ctx context.Context, object string, record map[string]any) (scoring.Result, error) {
	var resp scoring.Result
	if err := c.call(ctx, api.MethodEvaluate, api.EvaluateRequest{Object: object, Record: record}, &resp); err != nil {
		return scoring.Result{}, err
	}
	return resp, nil
}

// Quote prices a sale of amount. An empty policyID selects the scope's
// first active policy of policyType (any type when empty).
func (c *Client) Quote(ctx context.Context, scope string, policyID types.PolicyID, policyType types.PolicyType, amount decimal.Decimal) (api.QuoteResponse, error) {
	req := api.QuoteRequest{Scope: scope, PolicyID: policyID, PolicyType: policyType, Amount: amount}
	var resp api.QuoteResponse
	if err := c.call(ctx, api.MethodQuote, req, &resp); err != nil {
		return api.QuoteResponse{}, err
	}
	return resp, nil
}
