package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e-hua/CloudWrap-sub001/internal/domain"
	"github.com/e-hua/CloudWrap-sub001/internal/repository"
	"github.com/e-hua/CloudWrap-sub001/internal/service/assets"
	"github.com/e-hua/CloudWrap-sub001/internal/service/pipelines"
	"github.com/e-hua/CloudWrap-sub001/internal/service/provision"
	"github.com/e-hua/CloudWrap-sub001/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitMutate    = 30
	rateLimitRead      = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	provision *provision.Service
	pipelines pipelines.Service
	uploader  *assets.Uploader
	creds     provision.CredentialSource
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	awsRegion string
	heartbeat time.Duration
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Config carries router dependencies.
type Config struct {
	Logger    *slog.Logger
	Provision *provision.Service
	Pipelines pipelines.Service
	Uploader  *assets.Uploader
	Creds     provision.CredentialSource
	Hub       *ws.Hub
	Limiter   RateLimiter
	JWTSecret string
	AWSRegion string
	Heartbeat time.Duration
	DBHealth  func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    cfg.Logger,
		provision: cfg.Provision,
		pipelines: cfg.Pipelines,
		uploader:  cfg.Uploader,
		creds:     cfg.Creds,
		hub:       cfg.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   cfg.Limiter,
		jwtSecret: cfg.JWTSecret,
		awsRegion: cfg.AWSRegion,
		heartbeat: cfg.Heartbeat,
		dbHealth:  cfg.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.heartbeat <= 0 {
		r.heartbeat = 15 * time.Second
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/services", r.instrument("/services", r.handlerAuthRate("/services", rateLimitMutate, rateWindowDefault, r.handleServices)))
	r.mux.HandleFunc("/services/", r.instrument("/services/{id}", r.handlerAuthRate("/services/{id}", rateLimitMutate, rateWindowDefault, r.handleServiceSubroutes)))
	r.mux.HandleFunc("/operations/", r.instrument("/operations/{id}/events", r.requireAuth(r.handleOperationEvents)))
	r.mux.HandleFunc("/ws/operations", r.instrument("/ws/operations", r.handlerAuthRate("/ws/operations", rateLimitStream, rateWindowRealtime, r.handleOperationsWS)))
	r.mux.HandleFunc("/pipelines", r.instrument("/pipelines", r.handlerAuthRate("/pipelines", rateLimitRead, rateWindowDefault, r.handlePipelines)))
}

// instrument records request metrics around the handler.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, req)
		r.recordRequestMetrics(req.Method, route, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working through the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps websocket upgrades working through the recorder.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var input provision.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		op, err := r.provision.Create(req.Context(), input)
		if err != nil {
			r.writeOperationError(w, err)
			return
		}
		r.writeOperationAccepted(w, op)
	case http.MethodGet:
		filter, err := filterFromQuery(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		services, err := r.provision.List(req.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if services == nil {
			services = []domain.Service{}
		}
		writeJSON(w, http.StatusOK, services)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleServiceSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/services/")
	if rest == "" {
		r.notFound(w)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/assets"); ok && !strings.Contains(id, "/") {
		r.handleAssetUpload(w, req, id)
		return
	}
	if strings.Contains(rest, "/") {
		r.notFound(w)
		return
	}
	id := rest
	switch req.Method {
	case http.MethodGet:
		service, err := r.provision.Get(req.Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				writeError(w, http.StatusNotFound, "service not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, service)
	case http.MethodPut:
		var update domain.ServiceUpdate
		if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		op, err := r.provision.Update(req.Context(), id, update)
		if err != nil {
			r.writeOperationError(w, err)
			return
		}
		r.writeOperationAccepted(w, op)
	case http.MethodDelete:
		op, err := r.provision.Delete(req.Context(), id)
		if err != nil {
			r.writeOperationError(w, err)
			return
		}
		r.writeOperationAccepted(w, op)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAssetUpload(w http.ResponseWriter, req *http.Request, id string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.uploader == nil || r.creds == nil {
		writeError(w, http.StatusNotImplemented, "asset upload not configured")
		return
	}
	var payload struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Dir) == "" {
		writeError(w, http.StatusBadRequest, "dir is required")
		return
	}
	service, err := r.provision.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "service not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if service.Kind != domain.KindStaticSite || service.Site == nil {
		writeError(w, http.StatusConflict, "asset upload is only available for static-site services")
		return
	}
	creds, err := r.creds.AssumeRole(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not obtain deployment credentials")
		return
	}
	region := service.Region
	if region == "" {
		region = r.awsRegion
	}
	uploaded, err := r.uploader.Upload(req.Context(), creds, region, service.Site.BucketName, payload.Dir)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploaded": uploaded, "bucket": service.Site.BucketName})
}

func (r *Router) handleOperationEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(req.URL.Path, "/operations/")
	operationID, ok := strings.CutSuffix(rest, "/events")
	if !ok || operationID == "" || strings.Contains(operationID, "/") {
		r.notFound(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(operationID, client)
	defer func() {
		r.hub.Unregister(operationID, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleOperationsWS(w http.ResponseWriter, req *http.Request) {
	operationID := strings.TrimSpace(req.URL.Query().Get("operation_id"))
	if operationID == "" {
		writeError(w, http.StatusBadRequest, "operation_id is required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(operationID, client)
	defer r.hub.Unregister(operationID, client)

	// Consume control frames until the peer goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			client.Close()
			return
		}
	}
}

func (r *Router) handlePipelines(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.pipelines.Configured() {
		writeError(w, http.StatusNotImplemented, "pipeline listing not configured")
		return
	}
	names, err := r.pipelines.List(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": names})
}

func (r *Router) writeOperationAccepted(w http.ResponseWriter, op *provision.Operation) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"operation": op,
		"events":    "/operations/" + op.ID + "/events",
	})
}

func (r *Router) writeOperationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "service not found")
	case errors.Is(err, provision.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func filterFromQuery(req *http.Request) (domain.ServiceFilter, error) {
	query := req.URL.Query()
	filter := domain.ServiceFilter{
		Name:      strings.TrimSpace(query.Get("name")),
		Region:    strings.TrimSpace(query.Get("region")),
		GroupName: strings.TrimSpace(query.Get("group")),
	}
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		kind, err := domain.ParseServiceKind(raw)
		if err != nil {
			return domain.ServiceFilter{}, err
		}
		filter.Kind = kind
	}
	if raw := query.Get("created_after"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.ServiceFilter{}, errors.New("invalid created_after timestamp")
		}
		filter.CreatedAfter = parsed
	}
	if raw := query.Get("created_before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.ServiceFilter{}, errors.New("invalid created_before timestamp")
		}
		filter.CreatedBefore = parsed
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return domain.ServiceFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
