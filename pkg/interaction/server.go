package interaction

import (
	"context"
	"errors"

	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Backend implements broker operations for one session. Errors of type
// *StatusError are reported with their status; any other error is reported
// as StatusInternal.
type Backend interface {
	Authorize(ctx context.Context, token string) error
	Get(ctx context.Context, paths []string, field wire.Field) ([]wire.Datapoint, error)
	Set(ctx context.Context, entries []wire.Datapoint, field wire.Field) error
	Subscribe(ctx context.Context, pattern string, field wire.Field) (uint32, error)
	Unsubscribe(ctx context.Context, id uint32) error
}

// Server decodes broker requests and dispatches them to a Backend.
type Server struct {
	backend Backend
}

// NewServer creates a request dispatcher for backend.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// HandleRequest processes a request and returns its response.
func (s *Server) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	if err := req.Validate(); err != nil {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, err.Error())
	}

	switch req.Operation {
	case wire.OpGet:
		return s.handleGet(ctx, req)
	case wire.OpSet:
		return s.handleSet(ctx, req)
	case wire.OpSubscribe:
		return s.handleSubscribe(ctx, req)
	case wire.OpUnsubscribe:
		return s.handleUnsubscribe(ctx, req)
	case wire.OpAuthorize:
		return s.handleAuthorize(ctx, req)
	default:
		return errorResponse(req.MessageID, wire.StatusUnsupported, "unknown operation")
	}
}

func (s *Server) handleGet(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.GetPayload
	if err := req.DecodePayload(&p); err != nil {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "invalid get payload")
	}
	if len(p.Paths) == 0 {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "no paths to get")
	}

	values, err := s.backend.Get(ctx, p.Paths, p.Field)
	if err != nil {
		return failure(req.MessageID, err)
	}
	return success(req.MessageID, &wire.GetResponsePayload{Values: values})
}

func (s *Server) handleSet(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.SetPayload
	if err := req.DecodePayload(&p); err != nil {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "invalid set payload")
	}
	if len(p.Entries) == 0 {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "no entries to set")
	}

	if err := s.backend.Set(ctx, p.Entries, p.Field); err != nil {
		return failure(req.MessageID, err)
	}
	return success(req.MessageID, nil)
}

func (s *Server) handleSubscribe(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.SubscribePayload
	if err := req.DecodePayload(&p); err != nil || p.Pattern == "" {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "invalid subscribe payload")
	}

	id, err := s.backend.Subscribe(ctx, p.Pattern, p.Field)
	if err != nil {
		return failure(req.MessageID, err)
	}
	return success(req.MessageID, &wire.SubscribeResponsePayload{SubscriptionID: id})
}

func (s *Server) handleUnsubscribe(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.UnsubscribePayload
	if err := req.DecodePayload(&p); err != nil {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "invalid unsubscribe payload")
	}

	if err := s.backend.Unsubscribe(ctx, p.SubscriptionID); err != nil {
		return failure(req.MessageID, err)
	}
	return success(req.MessageID, nil)
}

func (s *Server) handleAuthorize(ctx context.Context, req *wire.Request) *wire.Response {
	var p wire.AuthorizePayload
	if err := req.DecodePayload(&p); err != nil {
		return errorResponse(req.MessageID, wire.StatusInvalidArgument, "invalid authorize payload")
	}

	if err := s.backend.Authorize(ctx, p.Token); err != nil {
		return failure(req.MessageID, err)
	}
	return success(req.MessageID, nil)
}

func success(msgID uint32, payload any) *wire.Response {
	resp, err := wire.NewResponse(msgID, wire.StatusSuccess, payload)
	if err != nil {
		return errorResponse(msgID, wire.StatusInternal, err.Error())
	}
	return resp
}

func failure(msgID uint32, err error) *wire.Response {
	var se *StatusError
	if errors.As(err, &se) && se.Status.IsError() {
		return errorResponse(msgID, se.Status, se.Message)
	}
	return errorResponse(msgID, wire.StatusInternal, err.Error())
}

func errorResponse(msgID uint32, status wire.Status, message string) *wire.Response {
	resp, err := wire.NewResponse(msgID, status, &wire.ErrorPayload{Message: message})
	if err != nil {
		// ErrorPayload always encodes.
		return &wire.Response{MessageID: msgID, Status: status}
	}
	return resp
}
