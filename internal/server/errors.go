package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/facets"
	"github.com/mbd888/recurra/internal/logging"
	"github.com/mbd888/recurra/internal/ownership"
	"github.com/mbd888/recurra/internal/platform"
	"github.com/mbd888/recurra/internal/relay"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/sig"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/subscription"
	"github.com/mbd888/recurra/internal/token"
)

type errorClass struct {
	status int
	code   string
	errs   []error
}

var errorClasses = []errorClass{
	{http.StatusForbidden, "forbidden", []error{
		catalog.ErrNotOwner, dispatch.ErrNotOwner, dispatch.ErrNotPendingOwner, platform.ErrNotOwner,
		subscription.ErrNotAllowedTo, subscription.ErrOnlyRelayer,
		relay.ErrBadSignature, sig.ErrBadSignature, ownership.ErrNotTokenOwner,
	}},
	{http.StatusNotFound, "not_found", []error{
		state.ErrTenantNotFound, state.ErrReferralNotFound, catalog.ErrTenantDeleted, ownership.ErrNotMinted,
	}},
	{http.StatusConflict, "conflict", []error{
		subscription.ErrTooEarlyToRenew, subscription.ErrAlreadySubscribed,
		state.ErrReentrantCall, platform.ErrAlreadyInitialized, dispatch.ErrNoPendingOwner,
	}},
	{http.StatusPaymentRequired, "payment_required", []error{
		subscription.ErrInsufficientCeiling, subscription.ErrInsufficientAllowance,
		settlement.ErrInsufficientAllowance,
		token.ErrInsufficientBalance, token.ErrInsufficientAllowance,
	}},
	{http.StatusBadRequest, "invalid_request", []error{
		state.ErrWrongSubType, facets.ErrBadArguments,
		dispatch.ErrUnknownSelector, dispatch.ErrSelectorAlreadyMapped, dispatch.ErrNoChangeOrUnmapped,
		dispatch.ErrNotMapped, dispatch.ErrUnknownFacet, dispatch.ErrUnknownAction, dispatch.ErrNoSelectors,
		dispatch.ErrMalformedCall, dispatch.ErrZeroAddress,
		relay.ErrTokenMismatch, relay.ErrInvalidAmount,
		catalog.ErrInvalidPrice, catalog.ErrInvalidRate, catalog.ErrZeroAddress,
		platform.ErrInvalidRate, platform.ErrInvalidPeriod, platform.ErrZeroAddress,
		settlement.ErrInvalidAmount, subscription.ErrTierInactive, subscription.ErrNotSubscribed,
		subscription.ErrInvalidCeiling, token.ErrUnknownToken, token.ErrInvalidAmount, ownership.ErrZeroAddress,
	}},
}

// classify maps a service error to an HTTP status and error code.
func classify(err error) (int, string) {
	for _, cl := range errorClasses {
		for _, target := range cl.errs {
			if errors.Is(err, target) {
				return cl.status, cl.code
			}
		}
	}
	var te *token.TransferError
	if errors.As(err, &te) {
		return http.StatusBadGateway, "token_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func abortWithError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= 500 {
		logging.L(c.Request.Context()).Error("request failed", "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": msg})
}
