package rpc

import (
	"encoding/json"
	"errors"

	"github.com/matheus3301/chatsync/internal/errs"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// encode turns a request or response value into the Struct carried on the
// wire. Values go through their JSON form so field names follow the json
// tags.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// decode fills v from a Struct. Numbers arrive as doubles and are re-read
// through JSON, which keeps millisecond timestamps exact.
func decode(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

var codeMap = map[errs.Code]codes.Code{
	errs.CodeInvalidArgument: codes.InvalidArgument,
	errs.CodeNotFound:        codes.NotFound,
	errs.CodeNotInitialized:  codes.FailedPrecondition,
	errs.CodeConflict:        codes.FailedPrecondition,
	errs.CodeTransient:       codes.Unavailable,
	errs.CodeStorage:         codes.Internal,
	errs.CodeMigration:       codes.Internal,
	errs.CodeEnrichment:      codes.Internal,
	errs.CodeInternal:        codes.Internal,
}

// toStatus maps an engine error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code, ok := codeMap[errs.CodeOf(err)]
	if !ok {
		code = codes.Unknown
	}
	return grpcstatus.Error(code, err.Error())
}

// fromStatus maps a gRPC status error back onto the engine taxonomy.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return errs.Wrap(errs.CodeInvalidArgument, "daemon", errors.New(st.Message()))
	case codes.NotFound:
		return errs.Wrap(errs.CodeNotFound, "daemon", errors.New(st.Message()))
	case codes.FailedPrecondition:
		return errs.Wrap(errs.CodeConflict, "daemon", errors.New(st.Message()))
	case codes.Unavailable:
		return errs.Transient("daemon", errors.New(st.Message()))
	default:
		return errs.Wrap(errs.CodeInternal, "daemon", errors.New(st.Message()))
	}
}
