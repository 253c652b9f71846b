package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/metrics"
	"github.com/solatis/crmrules/internal/store"
	"github.com/solatis/crmrules/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   codes.Code
		reason string
	}{
		{"validation", types.ValidationErrors{{Path: "Criteria 1", Message: "Score is required"}}, codes.InvalidArgument, ""},
		{"single validation", &types.ValidationError{Message: "Sale amount must not be negative"}, codes.InvalidArgument, ""},
		{"too many rows", fmt.Errorf("%w: 201 criteria", types.ErrTooManyRows), codes.InvalidArgument, "TOO_MANY_ROWS"},
		{"field not found", fmt.Errorf("%w: Lead.X", types.ErrFieldNotFound), codes.NotFound, "FIELD_NOT_FOUND"},
		{
			"malformed record",
			&types.ResolutionError{Object: "Lead", Err: fmt.Errorf("%w: bad kind", types.ErrMalformedRecord)},
			codes.FailedPrecondition, "MALFORMED_RECORD",
		},
		{
			"resolution without sentinel",
			&types.ResolutionError{Object: "Lead", Field: "Stage", Err: errors.New("catalog offline")},
			codes.FailedPrecondition, ReasonResolution,
		},
		{"foreign record", fmt.Errorf("save criteria G1: %w", store.ErrForeignRecord), codes.FailedPrecondition, "FOREIGN_RECORD"},
		{"no matching range", types.ErrNoMatchingRange, codes.FailedPrecondition, "NO_MATCHING_RANGE"},
		{"deadline", fmt.Errorf("load: %w", context.DeadlineExceeded), codes.DeadlineExceeded, ""},
		{"store failure", errors.New("database is locked"), codes.Unavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := status.Convert(toStatus(tt.err))
			assert.Equal(t, tt.code, st.Code())

			var reason string
			for _, d := range st.Details() {
				if info, ok := d.(*errdetails.ErrorInfo); ok {
					assert.Equal(t, ErrorDomain, info.GetDomain())
					reason = info.GetReason()
				}
			}
			assert.Equal(t, tt.reason, reason)
			if tt.reason != "" && tt.reason != ReasonResolution {
				assert.ErrorIs(t, tt.err, SentinelFor(tt.reason))
			}
		})
	}
}

func TestToStatus_ViolationsAndMetadata(t *testing.T) {
	errs := types.ValidationErrors{
		{Path: "Policy 2", Message: "Amount is required"},
		{Path: "Policy 3, Range 1", Message: "Min and Max are required"},
	}
	st := status.Convert(toStatus(errs))
	require.Len(t, st.Details(), 1)
	br, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	require.Len(t, br.GetFieldViolations(), 2)
	assert.Equal(t, "Policy 3, Range 1", br.GetFieldViolations()[1].GetField())

	st = status.Convert(toStatus(&types.ResolutionError{Object: "Lead", Field: "Stage", Err: errors.New("catalog offline")}))
	assert.Equal(t, "catalog offline", st.Message())
	info := st.Details()[0].(*errdetails.ErrorInfo)
	assert.Equal(t, map[string]string{"object": "Lead", "field": "Stage"}, info.GetMetadata())

	passthrough := status.Error(codes.PermissionDenied, "revoked")
	assert.Same(t, passthrough, toStatus(passthrough))
	assert.NoError(t, toStatus(nil))
}

func TestEncodeDecode_PreservesDecimals(t *testing.T) {
	p := &types.CommissionPolicy{
		RowID:      types.NewRowID(),
		Name:       "Share",
		PolicyType: types.PolicyTypePercentage,
		Active:     true,
		Percent:    decimal.NewNullDecimal(decimal.RequireFromString("2.375")),
		UpperCap:   decimal.NewNullDecimal(decimal.RequireFromString("12345678901234.99")),
	}
	payload, err := commission.BuildPayload([]*types.CommissionPolicy{p}, nil)
	require.NoError(t, err)

	in, err := Encode(SubmitPoliciesRequest{Scope: "project-1", Payload: payload})
	require.NoError(t, err)

	var got SubmitPoliciesRequest
	require.NoError(t, Decode(in, &got))
	policies, err := commission.PoliciesFromPayload(got.Payload)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.True(t, policies[0].UpperCap.Decimal.Equal(p.UpperCap.Decimal), "upper cap = %s", policies[0].UpperCap.Decimal)
	assert.Equal(t, p.RowID, policies[0].RowID)

	var empty ListFieldsRequest
	require.NoError(t, Decode(nil, &empty))
	assert.Empty(t, empty.Object)
}

func TestSelectPolicy(t *testing.T) {
	policies := []*types.CommissionPolicy{
		{ID: "P1", PolicyType: types.PolicyTypeFixed},
		{ID: "P2", PolicyType: types.PolicyTypeFixed, Active: true},
		{ID: "P3", PolicyType: types.PolicyTypeRange, Active: true},
	}
	tests := []struct {
		name string
		req  QuoteRequest
		want types.PolicyID
	}{
		{"by id even if inactive", QuoteRequest{PolicyID: "P1"}, "P1"},
		{"first active", QuoteRequest{}, "P2"},
		{"first active of type", QuoteRequest{PolicyType: types.PolicyTypeRange}, "P3"},
		{"unknown id", QuoteRequest{PolicyID: "P9"}, ""},
		{"no active of type", QuoteRequest{PolicyType: types.PolicyTypePercentage}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got types.PolicyID
			if p := selectPolicy(policies, tt.req); p != nil {
				got = p.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterceptors(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(MethodQuote)}

	var deadline bool
	handler := func(ctx context.Context, req any) (any, error) {
		_, deadline = ctx.Deadline()
		return nil, status.Error(codes.NotFound, "nope")
	}

	_, err := TimeoutInterceptor(time.Second)(context.Background(), nil, info, handler)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.True(t, deadline)

	_, _ = TimeoutInterceptor(0)(context.Background(), nil, info, handler)
	assert.False(t, deadline)

	c := metrics.NewCollector()
	_, err = MetricsInterceptor(c)(context.Background(), nil, info, handler)
	assert.Equal(t, codes.NotFound, status.Code(err))

	called := false
	deny := func(ctx context.Context, req any, info *grpc.UnaryServerInfo, h grpc.UnaryHandler) (any, error) {
		called = true
		return nil, status.Error(codes.Unauthenticated, "no key")
	}
	skip := SkipMethods(deny, "/grpc.health.v1.Health/")
	_, err = skip(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	assert.False(t, called)
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = skip(context.Background(), nil, info, handler)
	assert.True(t, called)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
