package api

import (
	"context"
	"errors"

	"github.com/solatis/crmrules/internal/store"
	"github.com/solatis/crmrules/internal/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

/*
 * Error mapping.
 *
 * Handlers return domain errors and toStatus converts them at the edge:
 *
 *   ValidationError(s)           INVALID_ARGUMENT, BadRequest violations
 *   ErrTooManyRows               INVALID_ARGUMENT
 *   context deadline/cancel      DEADLINE_EXCEEDED / CANCELED
 *   ErrFieldNotFound             NOT_FOUND
 *   ResolutionError              FAILED_PRECONDITION
 *   ErrForeignRecord             FAILED_PRECONDITION
 *   quote failures               FAILED_PRECONDITION
 *   anything else                UNAVAILABLE, message verbatim
 *
 * Sentinel-backed errors carry an ErrorInfo whose Reason names the
 * sentinel; resolution errors add object/field metadata. SentinelFor lets
 * a client rebuild an error that still matches errors.Is.
 */

// ErrorDomain is the ErrorInfo domain of every crmrules status.
const ErrorDomain = "crmrules"

// ReasonResolution marks a resolution failure without a known sentinel.
const ReasonResolution = "RESOLUTION_FAILED"

var reasons = []struct {
	reason string
	err    error
}{
	{"FIELD_NOT_FOUND", types.ErrFieldNotFound},
	{"UNSUPPORTED_VERSION", types.ErrUnsupportedVersion},
	{"MALFORMED_RECORD", types.ErrMalformedRecord},
	{"TOO_MANY_ROWS", types.ErrTooManyRows},
	{"NO_MATCHING_RANGE", types.ErrNoMatchingRange},
	{"POLICY_INACTIVE", types.ErrPolicyInactive},
	{"FOREIGN_RECORD", store.ErrForeignRecord},
}

// SentinelFor returns the sentinel error named by an ErrorInfo reason, or
// nil when the reason is unknown.
func SentinelFor(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.err
		}
	}
	return nil
}

func reasonFor(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ""
}

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		verrs types.ValidationErrors
		verr  *types.ValidationError
		rerr  *types.ResolutionError
	)
	switch {
	case errors.As(err, &verrs):
		return validationStatus(verrs)
	case errors.As(err, &verr):
		return validationStatus(types.ValidationErrors{verr})
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	code := codes.Unavailable
	msg := err.Error()
	info := &errdetails.ErrorInfo{Domain: ErrorDomain, Reason: reasonFor(err)}

	switch {
	case errors.Is(err, types.ErrTooManyRows):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrFieldNotFound):
		code = codes.NotFound
	case errors.As(err, &rerr),
		errors.Is(err, store.ErrForeignRecord),
		errors.Is(err, types.ErrNoMatchingRange),
		errors.Is(err, types.ErrPolicyInactive):
		code = codes.FailedPrecondition
	}

	if errors.As(err, &rerr) {
		msg = rerr.Err.Error()
		info.Metadata = map[string]string{"object": rerr.Object, "field": rerr.Field}
		if info.Reason == "" {
			info.Reason = ReasonResolution
		}
	}
	if info.Reason == "" {
		return status.Error(code, msg)
	}
	return withDetails(status.New(code, msg), info)
}

func validationStatus(errs types.ValidationErrors) error {
	br := &errdetails.BadRequest{}
	for _, e := range errs {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       e.Path,
			Description: e.Message,
		})
	}
	return withDetails(status.New(codes.InvalidArgument, errs.Error()), br)
}

func withDetails(st *status.Status, details ...protoadapt.MessageV1) error {
	withInfo, err := st.WithDetails(details...)
	if err != nil {
		return st.Err()
	}
	return withInfo.Err()
}
