package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	"carprice/internal/estimate"
	"carprice/internal/registry"
)

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	body := &EstimateRequest{}
	if err := render.Bind(r, body); err != nil {
		var verr *estimate.ValidationError
		if errors.As(err, &verr) {
			render.Render(w, r, newErrorResponse(http.StatusBadRequest, validationError(verr), requestID))
			return
		}
		render.Render(w, r, newErrorResponse(http.StatusBadRequest, &APIError{
			Code:    "INVALID_REQUEST",
			Message: "request body must be a JSON object: " + err.Error(),
		}, requestID))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	res, err := s.engine.Estimate(ctx, body.Request())
	if err != nil {
		status, apiErr := classify(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("request_id", requestID).Msg("estimate failed")
		}
		render.Render(w, r, newErrorResponse(status, apiErr, requestID))
		return
	}

	render.Render(w, r, newEstimateResponse(res, requestID))
}

// classify maps engine errors to a status code and a structured body.
func classify(err error) (int, *APIError) {
	var verr *estimate.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, validationError(verr)
	case errors.Is(err, estimate.ErrBrandAbsent):
		return http.StatusNotFound, &APIError{Code: "UNKNOWN_VEHICLE", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, &APIError{Code: "TIMEOUT", Message: "estimate did not complete in time"}
	default:
		return http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: "internal error"}
	}
}

func validationError(verr *estimate.ValidationError) *APIError {
	return &APIError{Code: "VALIDATION_FAILED", Message: verr.Error(), Field: verr.Field}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	render.Render(w, r, &ErrorResponse{
		Error:     apiErr,
		RequestID: RequestIDFromContext(r.Context()),
		status:    status,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	render.Render(w, r, &SnapshotResponse{
		Version:       snap.Version,
		TrainedAt:     snap.TrainedAt,
		ReferenceYear: snap.ReferenceYear,
		AgeSeconds:    time.Since(snap.TrainedAt).Seconds(),
		Summary:       snap.Summary,
	})
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	key := registry.NewKey(pathParam(r, "brand"), pathParam(r, "model"))
	seg, ok := s.engine.Snapshot().Registry.Get(key)
	if !ok {
		renderError(w, r, http.StatusNotFound, &APIError{
			Code:    "UNKNOWN_VEHICLE",
			Message: "no segment for " + key.String(),
		})
		return
	}
	render.Render(w, r, newSegmentResponse(seg))
}

func (s *Server) handleBrand(w http.ResponseWriter, r *http.Request) {
	brand := pathParam(r, "brand")
	summary, ok := s.engine.Snapshot().Registry.Brand(brand)
	if !ok {
		renderError(w, r, http.StatusNotFound, &APIError{
			Code:    "UNKNOWN_VEHICLE",
			Message: "no segments for brand " + brand,
		})
		return
	}
	render.Render(w, r, &BrandResponse{
		Brand:        summary.Brand,
		AveragePrice: round2(summary.AveragePrice),
		SampleCount:  summary.SampleCount,
		SegmentCount: summary.SegmentCount,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	render.Render(w, r, &HealthResponse{
		Status:          "ok",
		SnapshotVersion: snap.Version,
		Segments:        snap.Registry.Len(),
		SnapshotAge:     time.Since(snap.TrainedAt).Seconds(),
	})
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
