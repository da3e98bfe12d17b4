package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	subrav "github.com/subrav-foundation/subrav/go"
)

// Gin context keys populated by upstream auth middleware and by this package.
const (
	ContextKeyPayerID     = "subrav.payerId"
	ContextKeyKeyFragment = "subrav.keyFragment"
	ContextKeyState       = "subrav.state"
)

// PaidHandler is a resource handler running under payment processing. It
// returns the response status and body plus the usage units the request
// consumed; the wrapper settles and persists before anything is written.
type PaidHandler func(c *gin.Context, state *subrav.RequestState) (status int, body any, usage subrav.Usage)

// Paid wraps a handler with the payee processing pipeline for one billing
// rule: decode and validate the protocol header, PreProcess, run the
// handler, Settle, Persist, and attach the response header.
func Paid(pipeline *subrav.Pipeline, ruleID string, handler PaidHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var header *subrav.RequestHeader
		if raw := c.GetHeader(subrav.HeaderName); raw != "" {
			decoded, err := ValidateAndDecodeRequestHeader(raw)
			if err != nil {
				respondError(c, "", subrav.NewProtocolError(subrav.ErrCodeInvalidAuth,
					"malformed payment header: %v", err))
				return
			}
			header = decoded
		}

		in := subrav.IncomingRequest{
			RuleID: ruleID,
			Header: header,
		}
		if payerID, ok := c.Get(ContextKeyPayerID); ok {
			in.AuthPayerID, _ = payerID.(string)
		}
		if fragment, ok := c.Get(ContextKeyKeyFragment); ok {
			in.AuthKeyFragment, _ = fragment.(string)
		}

		state, err := pipeline.PreProcess(c.Request.Context(), in)
		if err != nil {
			respondError(c, "", subrav.NewProtocolError(subrav.ErrCodeInternal, "payment processing failed"))
			return
		}
		if state.Failed() {
			respondError(c, state.ClientTxRef, state.Err)
			return
		}
		c.Set(ContextKeyState, state)

		status, body, usage := handler(c, state)

		pipeline.Settle(state, usage)
		if !state.Failed() {
			if err := pipeline.Persist(c.Request.Context(), state); err != nil {
				state = failedState(state, subrav.NewProtocolError(subrav.ErrCodeInternal, "failed to persist proposal"))
			}
		}
		if state.Failed() {
			respondError(c, state.ClientTxRef, state.Err)
			return
		}

		if encoded, err := subrav.EncodeResponseHeader(pipeline.BuildResponseHeader(state)); err == nil {
			c.Header(subrav.HeaderName, encoded)
		}
		c.JSON(status, body)
	}
}

func failedState(state *subrav.RequestState, err *subrav.ProtocolError) *subrav.RequestState {
	state.Err = err
	return state
}

// respondError writes a wire-encoded error header plus a JSON body, with the
// status derived from the error code.
func respondError(c *gin.Context, clientTxRef string, perr *subrav.ProtocolError) {
	header := &subrav.ResponseHeader{
		Error:       perr,
		ClientTxRef: clientTxRef,
		Version:     subrav.CurrentVersion,
	}
	if encoded, err := subrav.EncodeResponseHeader(header); err == nil {
		c.Header(subrav.HeaderName, encoded)
	}
	c.AbortWithStatusJSON(StatusForCode(perr.Code), gin.H{"error": perr})
}

// StatusForCode maps every protocol error code to its HTTP status. The
// switch is exhaustive over the closed code set; new codes must be added
// here when introduced.
func StatusForCode(code subrav.ErrorCode) int {
	switch code {
	case subrav.ErrCodePaymentRequired, subrav.ErrCodeMaxAmountExceeded:
		return http.StatusPaymentRequired
	case subrav.ErrCodeRAVConflict, subrav.ErrCodeEpochMismatch,
		subrav.ErrCodeUnknownRAV, subrav.ErrCodeBadProgression,
		subrav.ErrCodeInvalidSignature, subrav.ErrCodeChannelClosed:
		return http.StatusConflict
	case subrav.ErrCodeMissingAuth:
		return http.StatusUnauthorized
	case subrav.ErrCodeInvalidAuth, subrav.ErrCodeKeyNotResolved:
		return http.StatusBadRequest
	case subrav.ErrCodeChannelNotFound, subrav.ErrCodeSubChannelNotFound:
		return http.StatusNotFound
	case subrav.ErrCodeRateUnavailable, subrav.ErrCodeUnknownRule,
		subrav.ErrCodeInsufficientFunds, subrav.ErrCodeClaimFailed,
		subrav.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// StatsHandler exposes the pipeline counters for admin surfaces.
func StatsHandler(pipeline *subrav.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, pipeline.Stats().Snapshot())
	}
}

// TriggerClaimsHandler runs a manual claim trigger for the channel named in
// the route parameter and reports the per-sub-channel outcome.
func TriggerClaimsHandler(scheduler *subrav.ClaimScheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		channelID := subrav.HexToChannelID(c.Param("channelId"))
		result, err := scheduler.TriggerChannel(c.Request.Context(), channelID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
