package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/nholik/exposure-sentinel/internal/detection"
	"github.com/nholik/exposure-sentinel/internal/engine"
	"github.com/nholik/exposure-sentinel/internal/exposure"
	"github.com/nholik/exposure-sentinel/internal/keyserver"
	"github.com/nholik/exposure-sentinel/internal/sharing"
	"github.com/nholik/exposure-sentinel/internal/state"
	"github.com/rs/zerolog"
)

const (
	maxDevBodyBytes   = 64 << 10
	simulatedErrorMsg = "Simulated error"
)

// Detector starts detection runs.
type Detector interface {
	Start(ctx context.Context) *detection.Handle
}

// DevStore is the part of the state store the developer routes change.
type DevStore interface {
	Snapshot(ctx context.Context) (state.State, error)
	SetLastError(ctx context.Context, description *string) error
	AddExposure(ctx context.Context, e exposure.Exposure) error
	SetOnboarded(ctx context.Context, onboarded bool) error
	ResetExposures(ctx context.Context) error
	ResetTestResults(ctx context.Context) error
}

// Sharer shares diagnosis keys.
type Sharer interface {
	ShareTestResult(ctx context.Context, id string) error
	ShareTestKeys(ctx context.Context) error
	PreAuthorize(ctx context.Context) error
	ReleasePreAuthorized(ctx context.Context) error
	SimulatePositiveDiagnosis(ctx context.Context, daysAgo int) (exposure.TestResult, error)
}

// KeyResetter clears the published keys of a development key service.
type KeyResetter interface {
	ResetKeys(ctx context.Context) error
}

// Dev serves developer control routes.
type Dev struct {
	ctx      context.Context
	logger   zerolog.Logger
	detector Detector
	store    DevStore
	sharer   Sharer
	keys     KeyResetter
	now      func() time.Time
}

// NewDev returns the developer routes. Runs started through /dev/detect are
// bound to ctx rather than to the request.
func NewDev(ctx context.Context, logger zerolog.Logger, detector Detector, store DevStore, sharer Sharer, keys KeyResetter) *Dev {
	return &Dev{
		ctx:      ctx,
		logger:   logger,
		detector: detector,
		store:    store,
		sharer:   sharer,
		keys:     keys,
		now:      time.Now,
	}
}

// Handler returns the /dev routes.
func (d *Dev) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dev/state", d.handleState)
	mux.HandleFunc("POST /dev/detect", d.handleDetect)
	mux.HandleFunc("POST /dev/simulate/error", d.handleSimulateError)
	mux.HandleFunc("POST /dev/simulate/exposure", d.handleSimulateExposure)
	mux.HandleFunc("POST /dev/simulate/positive", d.handleSimulatePositive)
	mux.HandleFunc("POST /dev/share/test-keys", d.handleShareTestKeys)
	mux.HandleFunc("POST /dev/share/{id}", d.handleShare)
	mux.HandleFunc("POST /dev/preauthorize", d.handlePreAuthorize)
	mux.HandleFunc("POST /dev/release", d.handleRelease)
	mux.HandleFunc("POST /dev/reset/onboarding", d.handleResetOnboarding)
	mux.HandleFunc("POST /dev/reset/exposures", d.handleResetExposures)
	mux.HandleFunc("POST /dev/reset/error", d.handleResetError)
	mux.HandleFunc("POST /dev/reset/test-results", d.handleResetTestResults)
	mux.HandleFunc("POST /dev/reset/server-keys", d.handleResetServerKeys)
	return mux
}

func (d *Dev) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := d.store.Snapshot(r.Context())
	if err != nil {
		d.fail(w, "read state", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (d *Dev) handleDetect(w http.ResponseWriter, _ *http.Request) {
	h := d.detector.Start(d.ctx)
	select {
	case <-h.Done():
		if errors.Is(h.Err(), detection.ErrConcurrentRun) {
			writeError(w, http.StatusConflict, h.Err())
			return
		}
	default:
	}
	d.logger.Info().Msg("detection started from developer route")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type simulateErrorRequest struct {
	Message string `json:"message"`
}

func (d *Dev) handleSimulateError(w http.ResponseWriter, r *http.Request) {
	var req simulateErrorRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Message == "" {
		req.Message = simulatedErrorMsg
	}
	if err := d.store.SetLastError(r.Context(), &req.Message); err != nil {
		d.fail(w, "simulate error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type simulateExposureRequest struct {
	Date *time.Time `json:"date"`
}

func (d *Dev) handleSimulateExposure(w http.ResponseWriter, r *http.Request) {
	var req simulateExposureRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	when := d.now()
	if req.Date != nil {
		when = *req.Date
	}
	e := exposure.New(when)
	if err := d.store.AddExposure(r.Context(), e); err != nil {
		d.fail(w, "simulate exposure", err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type simulatePositiveRequest struct {
	DaysAgo int `json:"days_ago"`
}

func (d *Dev) handleSimulatePositive(w http.ResponseWriter, r *http.Request) {
	var req simulatePositiveRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.DaysAgo < 0 {
		writeError(w, http.StatusBadRequest, errors.New("days_ago must not be negative"))
		return
	}
	result, err := d.sharer.SimulatePositiveDiagnosis(r.Context(), req.DaysAgo)
	if err != nil {
		d.fail(w, "simulate positive diagnosis", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (d *Dev) handleShare(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "share test result", d.sharer.ShareTestResult(r.Context(), r.PathValue("id")))
}

func (d *Dev) handleShareTestKeys(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "share test keys", d.sharer.ShareTestKeys(r.Context()))
}

func (d *Dev) handlePreAuthorize(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "pre-authorize keys", d.sharer.PreAuthorize(r.Context()))
}

func (d *Dev) handleRelease(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "release pre-authorized keys", d.sharer.ReleasePreAuthorized(r.Context()))
}

func (d *Dev) handleResetOnboarding(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "reset onboarding", d.store.SetOnboarded(r.Context(), false))
}

func (d *Dev) handleResetExposures(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "reset exposures", d.store.ResetExposures(r.Context()))
}

func (d *Dev) handleResetError(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "reset error", d.store.SetLastError(r.Context(), nil))
}

func (d *Dev) handleResetTestResults(w http.ResponseWriter, r *http.Request) {
	d.noContent(w, "reset test results", d.store.ResetTestResults(r.Context()))
}

func (d *Dev) handleResetServerKeys(w http.ResponseWriter, r *http.Request) {
	if d.keys == nil {
		writeError(w, http.StatusNotImplemented, errors.New("key service reset is not available"))
		return
	}
	d.noContent(w, "reset server keys", d.keys.ResetKeys(r.Context()))
}

func (d *Dev) noContent(w http.ResponseWriter, op string, err error) {
	if err != nil {
		d.fail(w, op, err)
		return
	}
	d.logger.Info().Str("action", op).Msg("developer action completed")
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dev) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	event := d.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = d.logger.Error()
	}
	event.Err(err).Str("action", op).Int("status", status).Msg("developer action failed")
	writeError(w, status, err)
}

func statusFor(err error) int {
	var shareErr *sharing.ShareError
	switch {
	case errors.Is(err, state.ErrTestResultNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotPreAuthorized):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, keyserver.ErrNoKeys):
		return http.StatusUnprocessableEntity
	case errors.As(err, &shareErr) && shareErr.Kind == sharing.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into out. An empty body leaves out unchanged.
func decodeOptional(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDevBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
