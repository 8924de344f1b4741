package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/container"
	"github.com/Mindburn-Labs/foxiles/pkg/custody"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/observability"
	"github.com/Mindburn-Labs/foxiles/pkg/release"
	"github.com/Mindburn-Labs/foxiles/pkg/tamper"
	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
)

// Release response headers.
const (
	HeaderReleaseState  = "X-Release-State"
	HeaderReleaseReason = "X-Release-Reason"
)

// HeaderPurchaseSecret carries the secret returned when a purchase is opened.
// Reading or cancelling a purchase requires it; the reference alone is public.
const HeaderPurchaseSecret = "X-Purchase-Secret"

// Config wires a Server.
type Config struct {
	Coordinator *release.Coordinator
	Custody     custody.Store
	Artifacts   artifacts.Store
	Telemetry   *observability.Provider
	Logger      *slog.Logger

	RateLimitPerSec float64
	RateLimitBurst  int
	MaxUploadBytes  int64
	// BaseContext bounds purchase watches. Request contexts end with the
	// request, so watches must not derive from them.
	BaseContext context.Context
	// DevLedger, when set, enables POST /dev/transfers to pay purchases on it.
	DevLedger *ledger.Memory
}

// Server implements the HTTP API.
type Server struct {
	coord     *release.Coordinator
	custody   custody.Store
	artifacts artifacts.Store
	telemetry *observability.Provider
	limiter   *RateLimiter
	logger    *slog.Logger
	baseCtx   context.Context
	maxUpload int64
	devLedger *ledger.Memory
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = observability.Disabled()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 10
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	return &Server{
		coord:     cfg.Coordinator,
		custody:   cfg.Custody,
		artifacts: cfg.Artifacts,
		telemetry: cfg.Telemetry,
		limiter:   NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst),
		logger:    cfg.Logger.With("component", "api"),
		baseCtx:   cfg.BaseContext,
		maxUpload: cfg.MaxUploadBytes,
		devLedger: cfg.DevLedger,
	}
}

// Handler returns the routed, rate-limited API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealth)
	s.route(mux, "POST /v1/files", s.handleUpload)
	s.route(mux, "GET /v1/files/{trackingId}/metadata", s.handleMetadata)
	s.route(mux, "GET /v1/files/{trackingId}/container", s.handleContainer)
	s.route(mux, "GET /v1/owners/{owner}/files", s.handleOwnerFiles)
	s.route(mux, "POST /v1/purchases", s.handleStartPurchase)
	s.route(mux, "GET /v1/purchases/{reference}", s.handlePurchase)
	s.route(mux, "DELETE /v1/purchases/{reference}", s.handleCancelPurchase)
	s.route(mux, "POST /v1/release", s.handleRelease)
	if s.devLedger != nil {
		s.route(mux, "POST /dev/transfers", s.handleDevTransfer)
	}
	return s.limiter.Middleware(mux)
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx, done := s.telemetry.TrackOperation(r.Context(), pattern, attribute.String("http.route", pattern))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))
		var err error
		if rec.status >= 500 {
			err = fmt.Errorf("http %d", rec.status)
		}
		done(err)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeErr maps domain errors to problem responses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, container.ErrFormat), errors.Is(err, container.ErrMetadataSchema):
		WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, custody.ErrNotFound), errors.Is(err, artifacts.ErrNotFound), errors.Is(err, release.ErrUnknown):
		WriteNotFound(w, r, err.Error())
	case errors.Is(err, watcher.ErrInvalidIntent), errors.Is(err, release.ErrIntentMismatch):
		WriteBadRequest(w, r, err.Error())
	case errors.Is(err, release.ErrNotForSale), errors.Is(err, release.ErrNotConfirmed), errors.Is(err, watcher.ErrDuplicate):
		WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, release.ErrTicketUsed):
		WriteError(w, r, http.StatusGone, err.Error())
	case errors.Is(err, release.ErrTicketInvalid), errors.Is(err, release.ErrPurchaseSecret):
		WriteError(w, r, http.StatusForbidden, "invalid release ticket")
	default:
		WriteInternal(w, r, s.logger, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadRequest struct {
	OwnerIdentity   string             `json:"ownerIdentity"`
	ContentKind     string             `json:"contentKind"`
	DRMRules        *container.RuleSet `json:"drmRules,omitempty"`
	Fingerprint     string             `json:"fingerprint"`
	PriceMinorUnits uint64             `json:"priceMinorUnits"`
	ReceiverAddress string             `json:"receiverAddress"`
	Data            []byte             `json:"data"`
}

type uploadResponse struct {
	TrackingID    uuid.UUID          `json:"trackingId"`
	ContainerRef  string             `json:"containerRef"`
	Metadata      container.Metadata `json:"metadata"`
	EncryptionKey []byte             `json:"encryptionKey,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	var req uploadRequest
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = s.parseMultipart(r)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.maxUpload))
			return
		}
		WriteBadRequest(w, r, "invalid upload body: "+err.Error())
		return
	}

	if req.Fingerprint == "" {
		req.Fingerprint = r.Header.Get(tamper.HeaderFingerprint)
	}
	switch {
	case strings.TrimSpace(req.OwnerIdentity) == "":
		WriteBadRequest(w, r, "ownerIdentity is required")
		return
	case strings.TrimSpace(req.Fingerprint) == "":
		WriteBadRequest(w, r, "fingerprint is required")
		return
	case req.ContentKind == "":
		req.ContentKind = container.KindOther
	}
	rules := container.DefaultRules()
	if req.DRMRules != nil {
		rules = *req.DRMRules
	}

	p, err := s.coord.Protect(r.Context(), release.ProtectRequest{
		Plaintext:       req.Data,
		Owner:           req.OwnerIdentity,
		ContentKind:     req.ContentKind,
		Rules:           rules,
		Fingerprint:     container.Fingerprint(strings.TrimSpace(req.Fingerprint)),
		PriceMinorUnits: req.PriceMinorUnits,
		ReceiverAddress: req.ReceiverAddress,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	resp := uploadResponse{TrackingID: p.Metadata.TrackingID, ContainerRef: p.ContainerRef, Metadata: p.Metadata}
	if r.URL.Query().Get("return_key") == "true" {
		resp.EncryptionKey = p.Key
	}
	writeJSON(w, http.StatusCreated, resp)
}

// parseMultipart reads a form with a "file" part and the uploadRequest
// fields as form values. drmRules is a comma separated list of rule names.
func (s *Server) parseMultipart(r *http.Request) (uploadRequest, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return uploadRequest{}, err
	}
	// The form lives on this request copy, so the server never cleans it up.
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return uploadRequest{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return uploadRequest{}, err
	}

	req := uploadRequest{
		OwnerIdentity:   r.FormValue("ownerIdentity"),
		ContentKind:     r.FormValue("contentKind"),
		Fingerprint:     r.FormValue("fingerprint"),
		ReceiverAddress: r.FormValue("receiverAddress"),
		Data:            data,
	}
	if req.ContentKind == "" {
		req.ContentKind = hdr.Header.Get("Content-Type")
	}
	if v := r.FormValue("priceMinorUnits"); v != "" {
		if req.PriceMinorUnits, err = strconv.ParseUint(v, 10, 64); err != nil {
			return uploadRequest{}, fmt.Errorf("priceMinorUnits: %w", err)
		}
	}
	if v, ok := r.MultipartForm.Value["drmRules"]; ok {
		rules, err := tamper.ParseRules(strings.Join(v, ","))
		if err != nil {
			return uploadRequest{}, err
		}
		req.DRMRules = &rules
	}
	return req, nil
}

func (s *Server) trackingID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("trackingId"))
	if err != nil {
		WriteBadRequest(w, r, "invalid tracking id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) loadContainer(ctx context.Context, id uuid.UUID) ([]byte, error) {
	rec, err := s.custody.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.artifacts.Get(ctx, rec.ContainerRef)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, ok := s.trackingID(w, r)
	if !ok {
		return
	}
	data, err := s.loadContainer(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	m, err := container.DecodeMetadata(data)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleContainer(w http.ResponseWriter, r *http.Request) {
	id, ok := s.trackingID(w, r)
	if !ok {
		return
	}
	data, err := s.loadContainer(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

type fileSummary struct {
	TrackingID      uuid.UUID `json:"trackingId"`
	ContainerRef    string    `json:"containerRef"`
	ContentKind     string    `json:"contentKind"`
	PriceMinorUnits uint64    `json:"priceMinorUnits"`
	ReceiverAddress string    `json:"receiverAddress,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

func (s *Server) handleOwnerFiles(w http.ResponseWriter, r *http.Request) {
	recs, err := s.custody.ListByOwner(r.Context(), container.NormalizeIdentity(r.PathValue("owner")))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]fileSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fileSummary{
			TrackingID:      rec.TrackingID,
			ContainerRef:    rec.ContainerRef,
			ContentKind:     rec.ContentKind,
			PriceMinorUnits: rec.PriceMinorUnits,
			ReceiverAddress: rec.ReceiverAddress,
			CreatedAt:       rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type purchaseRequest struct {
	TrackingID uuid.UUID `json:"trackingId"`
}

type purchaseResponse struct {
	Reference        string     `json:"reference"`
	TrackingID       uuid.UUID  `json:"trackingId"`
	ReceiverAddress  string     `json:"receiverAddress"`
	AmountMinorUnits uint64     `json:"amountMinorUnits"`
	Deadline         time.Time  `json:"deadline"`
	PaymentURL       string     `json:"paymentUrl"`
	State            string     `json:"state"`
	Reason           string     `json:"reason,omitempty"`
	Signature        string     `json:"signature,omitempty"`
	PurchaseSecret   string     `json:"purchaseSecret,omitempty"`
	Redeemed         bool       `json:"redeemed,omitempty"`
	Ticket           string     `json:"ticket,omitempty"`
	TicketExpiresAt  *time.Time `json:"ticketExpiresAt,omitempty"`
}

func describe(p *release.Purchase) purchaseResponse {
	out := p.Outcome()
	resp := purchaseResponse{
		Reference:        p.Reference,
		TrackingID:       p.TrackingID,
		ReceiverAddress:  p.Intent.ReceiverAddress,
		AmountMinorUnits: p.Intent.ExpectedAmountMinorUnits,
		Deadline:         p.Intent.Deadline,
		PaymentURL:       PaymentURL(p.Intent.ReceiverAddress, p.Intent.ExpectedAmountMinorUnits, p.Reference),
		State:            out.State.String(),
		Reason:           out.Reason,
	}
	if out.Transfer != nil {
		resp.Signature = out.Transfer.Signature
	}
	return resp
}

func (s *Server) handleStartPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil || req.TrackingID == uuid.Nil {
		WriteBadRequest(w, r, "body must be {\"trackingId\": \"<uuid>\"}")
		return
	}
	p, err := s.coord.StartPurchase(s.baseCtx, req.TrackingID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := describe(p)
	resp.PurchaseSecret = p.Secret
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("reference")
	secret := r.Header.Get(HeaderPurchaseSecret)
	p, err := s.coord.Authorized(ref, secret)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := describe(p)
	if p.Outcome().State == watcher.Confirmed {
		ticket, exp, err := s.coord.Ticket(ref, secret)
		switch {
		case errors.Is(err, release.ErrTicketUsed):
			resp.Redeemed = true
		case err != nil:
			s.writeErr(w, r, err)
			return
		default:
			resp.Ticket, resp.TicketExpiresAt = ticket, &exp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("reference")
	secret := r.Header.Get(HeaderPurchaseSecret)
	p, err := s.coord.Authorized(ref, secret)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.coord.CancelPurchase(ctx, ref, secret); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(p))
}

type releaseRequest struct {
	Ticket string `json:"ticket"`
}

// handleRelease returns plaintext, or 204 with X-Release-State: destroyed.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<10)).Decode(&req); err != nil || req.Ticket == "" {
		WriteBadRequest(w, r, "body must be {\"ticket\": \"...\"}")
		return
	}
	env := tamper.Environment{
		Source:  tamper.RequestFingerprint{Header: r.Header},
		Signals: tamper.SignalsFromRequest(r),
	}
	res, err := s.coord.ReleaseTicket(r.Context(), req.Ticket, env)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !res.Released() {
		w.Header().Set(HeaderReleaseState, tamper.Destroyed.String())
		w.Header().Set(HeaderReleaseReason, res.Verdict.Reason)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set(HeaderReleaseState, tamper.Released.String())
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Plaintext)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(res.Plaintext)
}
