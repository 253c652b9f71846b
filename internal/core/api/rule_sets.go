package api

import (
	"context"
	"time"

	"github.com/solatis/crmrules/internal/core/logging"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/scoring"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LoadRules returns the object's persisted rule groups in display order.
// A malformed stored record fails the whole load with FAILED_PRECONDITION.
func (s *ConfigService) LoadRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoadRulesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}

	groups, err := s.store.LoadRules(ctx, req.Object)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(LoadRulesResponse{Rules: rules.BuildPayload(groups, nil, nil)})
}

// SubmitRules re-resolves every condition's field against the server
// catalog, validates the result and persists it. Client-claimed data types
// and picklist values are never trusted.
func (s *ConfigService) SubmitRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SubmitRulesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx).With(zap.String("object", req.Object))

	groups, err := rules.GroupsFromPayload(req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}

	if err := s.reresolve(ctx, req.Object, groups); err != nil {
		logger.Warn("re-resolution failed", zap.Error(err))
		return nil, toStatus(err)
	}
	errs := rules.ValidateGroups(groups)
	s.observeValidation("rules", len(errs))
	if len(errs) > 0 {
		logger.Debug("rules rejected", zap.Int("violations", len(errs)))
		return nil, toStatus(errs)
	}

	payload := rules.BuildPayload(groups, req.Payload.DeletedGroupIDs, req.Payload.DeletedConditionIDs)
	ack, err := s.store.PersistRules(ctx, req.Object, payload)
	if err != nil {
		logger.Warn("persist rules failed", zap.Error(err))
		return nil, toStatus(err)
	}

	logger.Info("rules submitted",
		zap.Int("groups", len(payload.Groups)),
		zap.Int("deleted_groups", len(payload.DeletedGroupIDs)),
		zap.Int("deleted_conditions", len(payload.DeletedConditionIDs)))
	return encodeResponse(SubmitRulesResponse{Ack: ack})
}

func (s *ConfigService) reresolve(ctx context.Context, object string, groups []*types.RuleGroup) error {
	if s.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ResolveTimeout)
		defer cancel()
	}
	return rules.Reresolve(ctx, s.resolver, object, groups, s.cfg.LoadConcurrency)
}

// Evaluate scores a record against the object's persisted rules. A group
// that does not compile scores as unmatched and carries its error in the
// result; the other groups are unaffected.
func (s *ConfigService) Evaluate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EvaluateRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}

	groups, err := s.store.LoadRules(ctx, req.Object)
	if err != nil {
		return nil, toStatus(err)
	}
	compiled := scoring.CompileAll(groups)
	for _, err := range scoring.Failed(compiled) {
		logging.FromContext(ctx).Warn("rule group skipped", zap.String("object", req.Object), zap.Error(err))
	}

	start := time.Now()
	res, err := scoring.Evaluate(compiled, req.Record)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.observeEvaluation(string(res.Band))
	logging.FromContext(ctx).Debug("record scored",
		zap.String("object", req.Object),
		zap.Int64("percentage", res.Percentage),
		zap.Duration("elapsed", time.Since(start)))
	return encodeResponse(res)
}
