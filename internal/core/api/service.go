// Package api provides the gRPC ConfigService: field catalog lookups, rule
// and commission policy load/submit, record scoring and commission quotes.
package api

import (
	"context"
	"fmt"

	"github.com/solatis/crmrules/internal/commission"
	"github.com/solatis/crmrules/internal/core/config"
	"github.com/solatis/crmrules/internal/metrics"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Catalog lists scoring objects and their fields.
type Catalog interface {
	ListObjects(ctx context.Context) ([]types.ObjectInfo, error)
	ListFields(ctx context.Context, object string) ([]types.FieldInfo, error)
}

// Store persists rule sets and commission policies.
type Store interface {
	rules.RuleStore
	commission.PolicyStore
}

// ConfigService implements ConfigServer.
// Thin orchestration layer: submitted payloads are re-resolved against the
// server's catalog and re-validated here, then handed to Store.
type ConfigService struct {
	catalog  Catalog
	resolver rules.FieldResolver
	store    Store
	cfg      config.EditorConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

var _ ConfigServer = (*ConfigService)(nil)

// NewConfigService creates service instance with dependencies.
// collector may be nil.
func NewConfigService(catalog Catalog, resolver rules.FieldResolver, store Store, cfg config.EditorConfig, collector *metrics.Collector, logger *zap.Logger) (*ConfigService, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConfigService{
		catalog:  catalog,
		resolver: resolver,
		store:    store,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger,
	}, nil
}

func decodeRequest(in *structpb.Struct, req any) error {
	if err := Decode(in, req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encodeResponse(resp any) (*structpb.Struct, error) {
	out, err := Encode(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func required(name, value string) error {
	if value == "" {
		return status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return nil
}

func (s *ConfigService) observeValidation(editor string, violations int) {
	if s.metrics != nil {
		s.metrics.ObserveValidation(editor, violations)
	}
}

func (s *ConfigService) observeEvaluation(band string) {
	if s.metrics != nil {
		s.metrics.ObserveEvaluation(band)
	}
}
