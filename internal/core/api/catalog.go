package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// ListObjects returns every scoring object in the catalog.
func (s *ConfigService) ListObjects(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	objects, err := s.catalog.ListObjects(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(ListObjectsResponse{Objects: objects})
}

// ListFields returns the fields of one object.
func (s *ConfigService) ListFields(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListFieldsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}

	fields, err := s.catalog.ListFields(ctx, req.Object)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(ListFieldsResponse{Fields: fields})
}

// ResolveFieldType returns a field's data type. Unknown fields are NOT_FOUND.
func (s *ConfigService) ResolveFieldType(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FieldRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}
	if err := required("field", req.Field); err != nil {
		return nil, err
	}

	dt, err := s.resolver.ResolveFieldType(ctx, req.Object, req.Field)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(FieldTypeResponse{DataType: dt})
}

// ResolveEnumValues returns the allowed values of a picklist field.
func (s *ConfigService) ResolveEnumValues(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req FieldRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := required("object", req.Object); err != nil {
		return nil, err
	}
	if err := required("field", req.Field); err != nil {
		return nil, err
	}

	values, err := s.resolver.ResolveEnumValues(ctx, req.Object, req.Field)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeResponse(EnumValuesResponse{Values: values})
}
