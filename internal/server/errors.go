package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"PredictLedger/internal/apperr"
)

// ErrRateLimited is returned when a sender exceeds its submission rate.
var ErrRateLimited = errors.New("rate limited")

// GRPCCode maps an error to the gRPC code the transports report.
func GRPCCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrRateLimited):
		return codes.ResourceExhausted
	case isUnavailable(err):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	if s, ok := status.FromError(err); ok && apperr.CodeOf(err) == "" {
		return s.Code()
	}

	code := apperr.CodeOf(err)
	switch code {
	case "":
		return codes.Internal
	case apperr.CodeMarketNotFound, apperr.CodeReceiptNotFound, apperr.CodeUnknownAccount:
		return codes.NotFound
	case apperr.CodeNotAuthorized:
		return codes.PermissionDenied
	case apperr.CodeNameTaken:
		return codes.AlreadyExists
	case apperr.CodeNonceNotMonotonic:
		// Aborted surfaces as 409 on the HTTP side.
		return codes.Aborted
	case apperr.CodeInsufficientFunds, apperr.CodeMarketClosed,
		apperr.CodeMarketAlreadyResolved, apperr.CodeEscrowStateInvalid,
		apperr.CodeUnknownSender, apperr.CodeNegativeBalance:
		return codes.FailedPrecondition
	}

	switch code.Category() {
	case apperr.CategoryInternal:
		return codes.Internal
	case apperr.CategorySnapshot:
		return codes.DataLoss
	default:
		return codes.InvalidArgument
	}
}

// HTTPStatus maps an error to an HTTP status through its gRPC code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return runtime.HTTPStatusFromCode(GRPCCode(err))
}

// errorCode is the machine-readable code put on the wire.
func errorCode(err error) string {
	if c := apperr.CodeOf(err); c != "" {
		return string(c)
	}
	if errors.Is(err, ErrRateLimited) {
		return "RATE_LIMITED"
	}
	return GRPCCode(err).String()
}

// toStatus converts a ledger error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && apperr.CodeOf(err) == "" {
		return err
	}
	return status.Errorf(GRPCCode(err), "%s: %s", errorCode(err), message(err))
}

func message(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// ErrorBody is the JSON shape of every HTTP error.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Code: errorCode(err), Message: message(err)}
	var e *apperr.Error
	if errors.As(err, &e) {
		body.Details = e.Details
	}
	return body
}
