package client

import (
	"context"
	"errors"

	"github.com/solatis/crmrules/internal/core/api"
	"github.com/solatis/crmrules/internal/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// remoteError carries a server message while matching the sentinel the
// server reported.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// fromStatus rebuilds the domain error behind a server status.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var (
		verrs types.ValidationErrors
		info  *errdetails.ErrorInfo
	)
	for _, d := range st.Details() {
		switch d := d.(type) {
		case *errdetails.BadRequest:
			for _, v := range d.GetFieldViolations() {
				verrs = append(verrs, &types.ValidationError{Path: v.GetField(), Message: v.GetDescription()})
			}
		case *errdetails.ErrorInfo:
			if d.GetDomain() == api.ErrorDomain {
				info = d
			}
		}
	}
	if len(verrs) > 0 {
		return verrs
	}

	out := &remoteError{msg: st.Message()}
	if info == nil {
		switch st.Code() {
		case codes.Unavailable:
			// Store failures surface with the server's message verbatim
			return errors.New(st.Message())
		case codes.DeadlineExceeded:
			out.sentinel = context.DeadlineExceeded
		case codes.Canceled:
			out.sentinel = context.Canceled
		default:
			return err
		}
		return out
	}

	out.sentinel = api.SentinelFor(info.GetReason())
	if object, ok := info.GetMetadata()["object"]; ok {
		return &types.ResolutionError{Object: object, Field: info.GetMetadata()["field"], Err: out}
	}
	return out
}
