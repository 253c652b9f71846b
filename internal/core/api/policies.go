package api

import (
	"context"

	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/core/logging"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LoadPolicies returns the scope's persisted commission policies.
func (s *ConfigService) LoadPolicies(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoadPoliciesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("scope", req.Scope); err != nil {
		return nil, err
	}

	policies, err := s.store.LoadPolicies(ctx, req.Scope)
	if err != nil {
		return nil, toStatus(err)
	}
	payload, err := commission.BuildPayload(policies, nil)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return encodeResponse(LoadPoliciesResponse{Policies: payload})
}

// SubmitPolicies validates and persists the scope's policies.
func (s *ConfigService) SubmitPolicies(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitPoliciesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("scope", req.Scope); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(zap.String("scope", req.Scope))

	policies, err := commission.PoliciesFromPayload(req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	errs := commission.ValidatePolicies(policies)
	s.observeValidation("commission", len(errs))
	if len(errs) > 0 {
		logger.Debug("policies rejected", zap.Int("violations", len(errs)))
		return nil, toStatus(errs)
	}

	payload, err := commission.BuildPayload(policies, req.Payload.DeletedPolicyIDs)
	if err != nil {
		return nil, toStatus(err)
	}
	ack, err := s.store.PersistPolicies(ctx, req.Scope, payload)
	if err != nil {
		logger.Warn("persist policies failed", zap.Error(err))
		return nil, toStatus(err)
	}

	logger.Info("policies submitted",
		zap.Int("policies", len(payload.Policies)),
		zap.Int("deleted", len(payload.DeletedPolicyIDs)))
	return encodeResponse(SubmitPoliciesResponse{Ack: ack})
}

// Quote computes the commission a policy pays on a sale amount.
func (s *ConfigService) Quote(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req QuoteRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("scope", req.Scope); err != nil {
		return nil, err
	}

	policies, err := s.store.LoadPolicies(ctx, req.Scope)
	if err != nil {
		return nil, toStatus(err)
	}
	p := selectPolicy(policies, req)
	if p == nil {
		return nil, status.Errorf(codes.NotFound, "no matching commission policy in scope %s", req.Scope)
	}

	res, err := commission.Quote(p, req.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(QuoteResponse{PolicyID: p.ID, QuoteResult: res})
}

// selectPolicy picks the policy named by req.PolicyID, or else the first
// active policy of req.PolicyType (any type when unset).
func selectPolicy(policies []*types.CommissionPolicy, req QuoteRequest) *types.CommissionPolicy {
	for _, p := range policies {
		if req.PolicyID != "" {
			if p.ID == req.PolicyID {
				return p
			}
			continue
		}
		if p.Active && (req.PolicyType == "" || p.PolicyType == req.PolicyType) {
			return p
		}
	}
	return nil
}
