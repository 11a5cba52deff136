// Package handlers contains the HTTP entry points. ChatHandler is the
// request pipeline: authenticate (middleware), admit against the budget,
// route, fetch an ephemeral credential, execute with retry, respond, and
// schedule accounting in the background.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/apierror"
	"github.com/coreason-ai/gateway/internal/middleware"
	"github.com/coreason-ai/gateway/internal/services/accounting"
	"github.com/coreason-ai/gateway/internal/services/budget"
	"github.com/coreason-ai/gateway/internal/services/retry"
	"github.com/coreason-ai/gateway/internal/services/routing"
	"github.com/coreason-ai/gateway/internal/services/secrets"
	"github.com/coreason-ai/gateway/internal/services/upstream"
)

const (
	headerProjectID = "X-Coreason-Project-ID"
	headerTraceID   = "X-Coreason-Trace-ID"
)

// maxRequestBody bounds how much of a caller body is read.
const maxRequestBody = 10 << 20

type ChatHandler struct {
	logger     *zap.Logger
	router     *routing.Router
	secrets    secrets.Provider
	budget     *budget.Manager
	accounting *accounting.Dispatcher
	retryCfg   *retry.Config
}

func NewChatHandler(
	logger *zap.Logger,
	router *routing.Router,
	secretProvider secrets.Provider,
	budgetManager *budget.Manager,
	dispatcher *accounting.Dispatcher,
	retryCfg *retry.Config,
) *ChatHandler {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	return &ChatHandler{
		logger:     logger,
		router:     router,
		secrets:    secretProvider,
		budget:     budgetManager,
		accounting: dispatcher,
		retryCfg:   retryCfg,
	}
}

// ChatCompletions is the proxy pipeline. Phase order is fixed: project id,
// schema, estimate, budget admission, route, credential, execute, account.
// Each phase short-circuits with its taxonomy error.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projectID := r.Header.Get(headerProjectID)
	if projectID == "" {
		apierror.Write(w, apierror.New(apierror.ProjectMissing, "Missing project identifier"))
		return
	}

	log := h.logger.With(zap.String("project_id", projectID))
	traceID := h.traceID(r, log)
	if traceID != "" {
		log = log.With(zap.String("trace_id", traceID))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		apierror.Write(w, apierror.Wrap(err, apierror.SchemaInvalid, "Invalid request body"))
		return
	}

	req, err := upstream.ParseRequest(body)
	if err != nil {
		apierror.Write(w, err)
		return
	}

	estimate := upstream.EstimateTokens(req.Messages)
	if !h.budget.Check(ctx, projectID, estimate) {
		middleware.RecordBudgetRejection(projectID)
		log.Info("request rejected at budget admission",
			zap.Int64("estimate", estimate))
		apierror.Write(w, apierror.Newf(apierror.BudgetExceeded, "Budget exceeded for Project ID %s", projectID))
		return
	}

	descriptor, err := h.router.Resolve(req.Model)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	log = log.With(
		zap.String("model", req.Model),
		zap.String("provider", descriptor.Provider))

	credential, err := h.secrets.Get(ctx, descriptor.SecretPath)
	if err != nil {
		log.Error("credential fetch failed", zap.Error(err))
		apierror.Write(w, apierror.Wrap(err, apierror.SecretsUnavailable, "Security subsystem unavailable"))
		return
	}
	// The credential must not outlive this frame.
	defer credential.Destroy()

	client := upstream.New(descriptor, credential)

	if req.Stream {
		h.streamCompletion(ctx, w, log, client, body, req, descriptor, projectID, traceID, estimate)
		return
	}
	h.bufferedCompletion(ctx, w, log, client, body, req, descriptor, projectID, traceID, estimate)
}

func (h *ChatHandler) bufferedCompletion(
	ctx context.Context,
	w http.ResponseWriter,
	log *zap.Logger,
	client *upstream.Client,
	body []byte,
	req *upstream.ChatCompletionRequest,
	descriptor routing.Descriptor,
	projectID, traceID string,
	estimate int64,
) {
	var respBody []byte
	var usage *upstream.Usage

	attempts := 0
	err := retry.Do(ctx, h.retryCfg, func(ctx context.Context) error {
		if attempts++; attempts > 1 {
			middleware.RecordProxyRetry(descriptor.Provider)
		}
		var attemptErr error
		respBody, usage, attemptErr = client.Complete(ctx, body)
		return attemptErr
	}, upstream.IsRetryable)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller is gone; nothing was forwarded, nothing is owed.
			log.Info("request cancelled before upstream response")
			return
		}
		middleware.RecordProxyRequest(req.Model, descriptor.Provider, "error")
		log.Warn("upstream attempts exhausted",
			zap.Int("attempts", attempts),
			zap.Error(err))
		apierror.Write(w, upstream.MapError(err))
		return
	}

	middleware.RecordProxyRequest(req.Model, descriptor.Provider, "success")

	// Hollow proxy: the upstream body is returned byte for byte.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, werr := w.Write(respBody); werr != nil {
		log.Warn("failed to write response to caller", zap.Error(werr))
	}

	// Tokens were spent upstream either way; account actuals when the
	// response carried them, the estimate otherwise.
	tokens := estimate
	if usage != nil && usage.TotalTokens > 0 {
		tokens = usage.TotalTokens
	} else if usage == nil {
		log.Warn("upstream response missing usage, accounting estimate",
			zap.Int64("estimate", estimate))
	}
	h.account(log, projectID, tokens, traceID)
}

func (h *ChatHandler) streamCompletion(
	ctx context.Context,
	w http.ResponseWriter,
	log *zap.Logger,
	client *upstream.Client,
	body []byte,
	req *upstream.ChatCompletionRequest,
	descriptor routing.Descriptor,
	projectID, traceID string,
	estimate int64,
) {
	var stream io.ReadCloser

	// Retries apply only until the first body byte: Stream returns after the
	// status check, so every error it reports happened before forwarding.
	attempts := 0
	err := retry.Do(ctx, h.retryCfg, func(ctx context.Context) error {
		if attempts++; attempts > 1 {
			middleware.RecordProxyRetry(descriptor.Provider)
		}
		var attemptErr error
		stream, attemptErr = client.Stream(ctx, body)
		return attemptErr
	}, upstream.IsRetryable)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("request cancelled before upstream response")
			return
		}
		middleware.RecordProxyRequest(req.Model, descriptor.Provider, "error")
		log.Warn("upstream attempts exhausted",
			zap.Int("attempts", attempts),
			zap.Error(err))
		apierror.Write(w, upstream.MapError(err))
		return
	}
	defer func() { _ = stream.Close() }()

	observed, ferr := forwardStream(w, stream)
	if ferr != nil {
		// Mid-stream break: the response is committed, no retry. Account
		// whatever was observed.
		middleware.RecordProxyRequest(req.Model, descriptor.Provider, "broken")
		log.Warn("stream terminated mid-flight", zap.Error(ferr))
	} else {
		middleware.RecordProxyRequest(req.Model, descriptor.Provider, "success")
	}

	tokens := observed
	if tokens <= 0 {
		tokens = estimate
		log.Warn("stream carried no usage, accounting estimate",
			zap.Int64("estimate", estimate))
	}
	h.account(log, projectID, tokens, traceID)
}

// account hands the usage update to the background dispatcher. A rejected
// enqueue is logged by the dispatcher and never reaches the caller.
func (h *ChatHandler) account(log *zap.Logger, projectID string, tokens int64, traceID string) {
	if h.accounting.Record(projectID, tokens, traceID) {
		middleware.RecordTokensAccounted(projectID, tokens)
	}
}

// traceID validates the optional trace header. Malformed values are logged
// and dropped, never a reason to fail.
func (h *ChatHandler) traceID(r *http.Request, log *zap.Logger) string {
	raw := r.Header.Get(headerTraceID)
	if raw == "" {
		return ""
	}
	if _, err := uuid.Parse(raw); err != nil {
		log.Warn("malformed trace id header, ignoring", zap.String("value", raw))
		return ""
	}
	return raw
}
