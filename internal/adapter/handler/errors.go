package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

const (
	msgLockedByOther = "reserved by another customer"
	msgSold          = "this item has already been sold"
	msgNotFound      = "product not found"
	msgNotHeld       = "your reservation is no longer held"
	msgInvalid       = "invalid request"
	msgTransient     = "temporarily unavailable, please try again"
)

// httpError maps the reservation error taxonomy onto a status code and a
// message that is safe to show to a shopper.
func httpError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrProductLockedByOther):
		return http.StatusConflict, msgLockedByOther
	case errors.Is(err, domain.ErrProductSold):
		return http.StatusGone, msgSold
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, domain.ErrNotHeld):
		return http.StatusConflict, msgNotHeld
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, msgInvalid
	default:
		return http.StatusServiceUnavailable, msgTransient
	}
}

func grpcError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrProductLockedByOther):
		return status.Error(codes.FailedPrecondition, msgLockedByOther)
	case errors.Is(err, domain.ErrProductSold):
		return status.Error(codes.FailedPrecondition, msgSold)
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, msgNotFound)
	case errors.Is(err, domain.ErrNotHeld):
		return status.Error(codes.FailedPrecondition, msgNotHeld)
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unavailable, msgTransient)
	}
}
