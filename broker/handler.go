package broker

import (
	"bytes"
	"errors"
	"strings"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

var redactedBytes = []byte("[REDACTED]")

// Secrets shorter than this are not redacted from response bodies; they would
// match inside SDP answers and minted credentials.
const minRedactLength = 8

// sessionHandler serves the two-action /session resource.
type sessionHandler struct {
	logger   shared.LoggerAdapter
	cfg      Config
	upstream *Upstream
	metrics  *Metrics
	secrets  [][]byte
}

func newSessionHandler(logger shared.LoggerAdapter, cfg Config, upstream *Upstream, metrics *Metrics) *sessionHandler {
	h := &sessionHandler{
		logger:   logger,
		cfg:      cfg,
		upstream: upstream,
		metrics:  metrics,
	}
	for _, s := range cfg.Secrets() {
		if len(s.Reveal()) < minRedactLength {
			logger.Warn("secret too short to redact from responses", zap.Int("min_length", minRedactLength))
			continue
		}
		h.secrets = append(h.secrets, []byte(s.Reveal()))
	}
	return h
}

func (h *sessionHandler) handle(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.Response.Header.Set(fasthttp.HeaderAllow, fasthttp.MethodPost)
		h.writeJSON(ctx, fasthttp.StatusMethodNotAllowed, shared.ErrorResponse{Error: "Method not allowed"})
		return
	}

	var req shared.BrokerRequest
	if err := sonic.Unmarshal(ctx.PostBody(), &req); err != nil {
		h.fail(ctx, req, &shared.BadRequestError{Message: "request body is not valid JSON"})
		return
	}

	provider, err := h.cfg.resolveProvider(req.Provider)
	if err != nil {
		h.fail(ctx, req, err)
		return
	}
	kind, err := shared.ParseSessionKind(req.Kind)
	if err != nil {
		h.fail(ctx, req, err)
		return
	}

	logger := h.logger.With(
		zap.String("action", string(req.Action)),
		zap.String("provider", string(provider)),
		zap.String("kind", string(kind)),
	)

	switch req.Action {
	case shared.ActionCreate:
		h.create(ctx, logger, req, kind)
	case shared.ActionSDP:
		h.sdp(ctx, logger, req, kind)
	default:
		h.fail(ctx, req, &shared.BadRequestError{Field: "action", Message: "must be create or sdp"})
	}
}

func (h *sessionHandler) create(ctx *fasthttp.RequestCtx, logger shared.LoggerAdapter, req shared.BrokerRequest, kind shared.SessionKind) {
	doc, err := h.sessionDocument(kind, req.SessionConfig)
	if err != nil {
		h.fail(ctx, req, err)
		return
	}
	secret, err := h.upstream.CreateClientSecret(ctx, kind, doc)
	if err != nil {
		h.fail(ctx, req, prefixUpstream("OpenAI session failed", err))
		return
	}
	logger.Info("client secret issued", zap.Int64("expires_at", secret.ExpiresAt))
	h.succeed(ctx, req, shared.CreateResponse{ClientSecret: secret.Value, ExpiresAt: secret.ExpiresAt})
}

// sdp relays the offer. With no session document the long-lived secret
// authenticates the exchange directly. A conversational document rides
// along with the offer in a single multipart call; a transcription
// document is registered first and its short-lived credential used for the
// exchange, so no credential leaves the server.
func (h *sessionHandler) sdp(ctx *fasthttp.RequestCtx, logger shared.LoggerAdapter, req shared.BrokerRequest, kind shared.SessionKind) {
	if strings.TrimSpace(req.SDP) == "" {
		h.fail(ctx, req, &shared.BadRequestError{Field: "sdp", Message: "missing offer"})
		return
	}

	var (
		answer string
		err    error
	)
	switch {
	case isEmptyDocument(req.SessionConfig):
		model := ""
		if kind == shared.SessionKindConversation {
			model = h.cfg.OpenAI.DefaultModel
		}
		answer, err = h.upstream.ExchangeSDP(ctx, kind, h.cfg.OpenAI.APIKey.Reveal(), model, req.SDP)
	case kind == shared.SessionKindTranscription:
		var doc []byte
		if doc, err = h.sessionDocument(kind, req.SessionConfig); err != nil {
			h.fail(ctx, req, err)
			return
		}
		var secret ClientSecret
		if secret, err = h.upstream.CreateClientSecret(ctx, kind, doc); err == nil {
			answer, err = h.upstream.ExchangeSDP(ctx, kind, secret.Value, "", req.SDP)
		}
	default:
		var doc []byte
		if doc, err = h.sessionDocument(kind, req.SessionConfig); err != nil {
			h.fail(ctx, req, err)
			return
		}
		answer, err = h.upstream.CreateCall(ctx, doc, req.SDP)
	}
	if err != nil {
		h.fail(ctx, req, prefixUpstream("OpenAI SDP exchange failed", err))
		return
	}
	logger.Info("sdp answer relayed", zap.Int("answer_bytes", len(answer)))
	h.succeed(ctx, req, shared.SDPResponse{Answer: answer})
}

func isEmptyDocument(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// sessionDocument normalizes the caller's session configuration. An absent
// document is an empty object; conversational documents without a model get
// the configured default.
func (h *sessionHandler) sessionDocument(kind shared.SessionKind, raw []byte) ([]byte, error) {
	doc := []byte("{}")
	if !isEmptyDocument(raw) {
		doc = append([]byte(nil), bytes.TrimSpace(raw)...)
	}
	if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return nil, &shared.BadRequestError{Field: "sessionConfig", Message: "must be a JSON object"}
	}
	if kind == shared.SessionKindConversation && h.cfg.OpenAI.DefaultModel != "" && !gjson.GetBytes(doc, "model").Exists() {
		out, err := sjson.SetBytes(doc, "model", h.cfg.OpenAI.DefaultModel)
		if err != nil {
			return nil, err
		}
		doc = out
	}
	return doc, nil
}

func prefixUpstream(prefix string, err error) error {
	var upstreamErr *shared.UpstreamError
	if errors.As(err, &upstreamErr) {
		return &shared.UpstreamError{StatusCode: upstreamErr.StatusCode, Message: prefix + ": " + upstreamErr.Message}
	}
	return err
}

func (h *sessionHandler) succeed(ctx *fasthttp.RequestCtx, req shared.BrokerRequest, v any) {
	h.metrics.observeRequest(string(req.Action), req.Provider, fasthttp.StatusOK)
	h.writeJSON(ctx, fasthttp.StatusOK, v)
}

func (h *sessionHandler) fail(ctx *fasthttp.RequestCtx, req shared.BrokerRequest, err error) {
	status := shared.HTTPStatus(err)
	msg := h.scrub(errorMessage(err))
	h.metrics.observeRequest(string(req.Action), req.Provider, status)
	if status >= fasthttp.StatusInternalServerError {
		h.logger.Error("session request failed", errors.New(msg), zap.Int("status", status))
	} else {
		h.logger.Warn("session request rejected", zap.String("reason", msg), zap.Int("status", status))
	}
	h.writeJSON(ctx, status, shared.ErrorResponse{Error: msg})
}

// errorMessage is what the caller sees: the upstream's own message for
// upstream errors, the error text otherwise.
func errorMessage(err error) string {
	var upstreamErr *shared.UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Message
	}
	return err.Error()
}

func (h *sessionHandler) scrub(s string) string {
	return string(h.scrubBytes([]byte(s)))
}

func (h *sessionHandler) scrubBytes(b []byte) []byte {
	for _, secret := range h.secrets {
		b = bytes.ReplaceAll(b, secret, redactedBytes)
	}
	return b
}

func (h *sessionHandler) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("encoding response", err)
		status = fasthttp.StatusInternalServerError
		body = []byte(`{"error":"Internal server error"}`)
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(h.scrubBytes(body))
}
