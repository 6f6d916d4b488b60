package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/mailbox"
	"github.com/ssuji15/jobrunner/internal/metrics"
	"github.com/ssuji15/jobrunner/internal/provenance"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	limiter "github.com/ssuji15/jobrunner/internal/web/middleware"
	"github.com/ssuji15/jobrunner/model"
)

const (
	DefaultSyncPollInterval = time.Second
	DefaultSyncTimeout      = time.Hour
	DefaultQueueSize        = 1024
	DefaultMaxInflight      = 256
)

var errUnauthorized = model.NewRPCError(model.ErrPolicy, "Authentication failed")

// ModuleResolver validates a module before a submit is admitted. A check
// is not a launch, so it must not mark the module as used.
type ModuleResolver interface {
	Check(ctx context.Context, module, version string) error
}

type Options struct {
	Token              string
	BypassToken        bool
	AllowSetProvenance bool
	SyncPollInterval   time.Duration
	SyncTimeout        time.Duration
	QueueSize          int
	MaxInflight        int
}

// Server is the callback server job containers talk to. It never touches
// containers itself: submits go to the orchestrator's inbound mailbox and
// results come back on the outbound one.
type Server struct {
	router   chi.Router
	opts     Options
	modules  ModuleResolver
	inbound  *mailbox.Mailbox[model.Message]
	rc       *RunContext
	newJobID func() (string, error)

	httpServer *http.Server
}

func NewServer(opts Options, modules ModuleResolver, inbound *mailbox.Mailbox[model.Message], outbound *mailbox.Mailbox[model.Event]) *Server {
	if opts.SyncPollInterval <= 0 {
		opts.SyncPollInterval = DefaultSyncPollInterval
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = DefaultSyncTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = DefaultMaxInflight
	}
	s := &Server{
		router:   chi.NewRouter(),
		opts:     opts,
		modules:  modules,
		inbound:  inbound,
		rc:       NewRunContext(outbound),
		newJobID: newJobID,
	}

	s.routes()
	return s
}

// Job ids are time based, like the ones the job-control service hands out.
func newJobID() (string, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "callback-server")
}

func (s *Server) RunContext() *RunContext {
	return s.rc
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.NewLimiter(s.opts.QueueSize, s.opts.MaxInflight).Limit)
		r.Get("/", s.handleLiveness)
		r.Post("/", s.handleRPC)
	})
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Log.Info().Str("addr", ln.Addr().String()).Msg("callback server started")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error().Err(err).Msg("callback server error")
		}
	}()
	return nil
}

// Shutdown stops the server, dropping requests still waiting when ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		return err
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.reply(w, KindLiveness, http.StatusOK, []any{map[string]any{}})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Log.Error().Interface("panic", rec).Msg("callback request panicked")
			s.fail(w, "unknown", model.NewRPCError(errors.New("panic"), "Unexpected error"))
		}
	}()

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.fail(w, "unknown", model.NewRPCError(model.ErrValidation, "invalid JSON body: "+err.Error()))
		return
	}

	req, err := DecodeRequest(body)
	if err != nil {
		s.fail(w, "invalid", err)
		return
	}

	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(r.Context(), "CallbackServer/"+string(req.Kind))
	defer span.End()
	span.SetAttributes(attribute.String("method", req.Method))

	switch req.Kind {
	case KindLiveness:
		s.handleLiveness(w, r)
	case KindCheckJob:
		s.checkJob(w, req)
	case KindGetProvenance:
		s.rc.Drain()
		s.reply(w, req.Kind, http.StatusOK, result(s.rc.Provenance()))
	case KindSetProvenance:
		s.setProvenance(w, req)
	case KindAsyncSubmit:
		id, err := s.submit(ctx, r, req)
		if err != nil {
			util.RecordSpanError(span, err)
			s.fail(w, req.Kind, err)
			return
		}
		span.SetAttributes(attribute.String("job_id", id))
		s.reply(w, req.Kind, http.StatusOK, result(id))
	case KindSyncSubmit:
		id, err := s.submit(ctx, r, req)
		if err != nil {
			util.RecordSpanError(span, err)
			s.fail(w, req.Kind, err)
			return
		}
		span.SetAttributes(attribute.String("job_id", id))
		s.syncWait(ctx, w, req, id)
	}
}

// submit checks the caller and the module, then hands the job to the
// orchestrator. No job id is minted for a submit that fails validation.
func (s *Server) submit(ctx context.Context, r *http.Request, req *Request) (string, error) {
	if !s.opts.BypassToken && r.Header.Get("Authorization") != s.opts.Token {
		return "", errUnauthorized
	}
	if err := s.modules.Check(ctx, req.Module, req.ServiceVer); err != nil {
		metrics.JobsRejected.WithLabelValues("module").Inc()
		return "", err
	}
	id, err := s.newJobID()
	if err != nil {
		return "", fmt.Errorf("mint job id: %w", err)
	}
	s.inbound.Put(model.Message{
		Kind:  model.MessageSubmit,
		JobID: id,
		Job:   model.NewJobFromParams(id, req.SubmitBody(), true),
	})
	logger.Log.Info().Str("job_id", id).Str("method", req.Method).Msg("subjob submitted")
	return id, nil
}

func (s *Server) syncWait(ctx context.Context, w http.ResponseWriter, req *Request, id string) {
	out, err := s.rc.WaitOutput(ctx, id, s.opts.SyncPollInterval, s.opts.SyncTimeout)
	if err != nil {
		msg := "Timeout or exception: " + err.Error()
		out = map[string]any{
			"job_id": id,
			"result": msg,
			"error": map[string]any{
				"error":   msg,
				"code":    "123",
				"message": msg,
			},
			"finished": 1,
		}
		s.rc.StoreOutput(id, out)
	}
	out["finished"] = 1
	s.reply(w, req.Kind, outputStatus(out), out)
}

func (s *Server) checkJob(w http.ResponseWriter, req *Request) {
	s.rc.Drain()
	out, ok := s.rc.Output(req.JobID)
	if !ok {
		s.reply(w, req.Kind, http.StatusOK, result(map[string]any{"finished": 0}))
		return
	}
	out["finished"] = 1
	if hasError(out) {
		s.reply(w, req.Kind, http.StatusInternalServerError, out)
		return
	}
	s.reply(w, req.Kind, http.StatusOK, result(out))
}

func (s *Server) setProvenance(w http.ResponseWriter, req *Request) {
	if !s.opts.AllowSetProvenance {
		s.fail(w, req.Kind, model.NewRPCError(model.ErrPolicy, "Setting provenance is not enabled"))
		return
	}
	list, ok := req.Params.([]any)
	var action map[string]any
	if ok && len(list) == 1 {
		action, ok = list[0].(map[string]any)
	}
	if !ok || action == nil {
		s.fail(w, req.Kind, model.NewRPCError(model.ErrValidation,
			"method params must be a list containing exactly one provenance action"))
		return
	}

	snap := provenance.New(action, time.Now()).Snapshot()
	s.inbound.Put(model.Message{Kind: model.MessageSetProvenance, Provenance: &snap[0]})
	s.rc.SetProvenance(snap)
	s.reply(w, req.Kind, http.StatusOK, result(snap))
}

func result(v any) map[string]any {
	return map[string]any{"result": []any{v}}
}

func hasError(out map[string]any) bool {
	e, ok := out["error"]
	return ok && e != nil
}

func outputStatus(out map[string]any) int {
	if hasError(out) {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (s *Server) fail(w http.ResponseWriter, kind RequestKind, err error) {
	re := model.AsRPCError(err)
	status := http.StatusInternalServerError
	if errors.Is(err, errUnauthorized) {
		status = http.StatusUnauthorized
	}
	logger.Log.Warn().Err(err).Str("kind", string(kind)).Msg("callback request failed")
	s.reply(w, kind, status, map[string]any{
		"error": map[string]any{
			"error":   re.Message,
			"message": re.Message,
			"code":    re.Code,
		},
	})
}

func (s *Server) reply(w http.ResponseWriter, kind RequestKind, status int, v any) {
	metrics.RPCRequests.WithLabelValues(string(kind), strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn().Err(err).Msg("unable to write callback response")
	}
}
