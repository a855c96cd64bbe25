package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
)

var (
	errBadRequest    = errors.New("bad request")
	errNotReady      = errors.New("engine is recovering")
	errNoProjections = errors.New("not available without postgres")
)

type errorResponse struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// errorStatus maps an error to an HTTP status and the matching gRPC code.
func errorStatus(err error) (int, codes.Code) {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrMalformedCommand),
		errors.Is(err, ingestion.ErrUnknownOperation),
		errors.Is(err, core.ErrNeedsMoreThanZero),
		errors.Is(err, core.ErrTokenNotAllowed):
		return http.StatusBadRequest, codes.InvalidArgument

	case errors.Is(err, core.ErrBreaksHealthFactor),
		errors.Is(err, core.ErrInsufficientCollateral),
		errors.Is(err, core.ErrInsufficientDebt),
		errors.Is(err, core.ErrHealthFactorOk),
		errors.Is(err, core.ErrHealthFactorNotImproved):
		return http.StatusUnprocessableEntity, codes.FailedPrecondition

	case errors.Is(err, core.ErrReentrantCall):
		return http.StatusConflict, codes.Aborted

	case errors.Is(err, core.ErrTransferFailed),
		errors.Is(err, core.ErrMintFailed),
		errors.Is(err, core.ErrBurnFailed),
		errors.Is(err, core.ErrCompensationFailed):
		return http.StatusBadGateway, codes.Internal

	case errors.Is(err, core.ErrOracleUnavailable),
		errors.Is(err, core.ErrRunnerStopped),
		errors.Is(err, errNotReady),
		errors.Is(err, errNoProjections):
		return http.StatusServiceUnavailable, codes.Unavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, codes.Canceled
	}
	return http.StatusInternalServerError, codes.Internal
}

func writeError(w http.ResponseWriter, err error) {
	httpStatus, code := errorStatus(err)
	resp := errorResponse{Code: code.String(), Message: err.Error()}
	if httpStatus == http.StatusUnprocessableEntity || httpStatus == http.StatusBadGateway || httpStatus == http.StatusConflict {
		resp.Reason = core.RejectReason(err)
	}
	writeJSON(w, httpStatus, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request count and latency per endpoint.
func (s *GRPCServer) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn().Str("endpoint", endpoint).Int("status", rec.status).Msg("request failed")
		}
	}
}
