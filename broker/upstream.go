package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Doer is satisfied by *fasthttp.Client.
type Doer interface {
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

// ClientSecret is a short-lived credential minted by the endpoint.
type ClientSecret struct {
	Value     string
	ExpiresAt int64
}

// Upstream talks to the primary provider's REST signaling resources with the
// long-lived secret.
type Upstream struct {
	logger  shared.LoggerAdapter
	client  Doer
	base    *url.URL
	apiKey  shared.Secret
	timeout time.Duration
	metrics *Metrics
}

func NewUpstream(logger shared.LoggerAdapter, client Doer, cfg Config, metrics *Metrics) (*Upstream, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	base, err := url.Parse(cfg.OpenAI.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if client == nil {
		client = &fasthttp.Client{
			Name:                "realtime-broker/" + shared.Version,
			ReadTimeout:         cfg.UpstreamTimeout,
			WriteTimeout:        cfg.UpstreamTimeout,
			MaxIdleConnDuration: time.Minute,
		}
	}
	return &Upstream{
		logger:  logger.With(zap.String("upstream", base.Host)),
		client:  client,
		base:    base,
		apiKey:  cfg.OpenAI.APIKey,
		timeout: cfg.UpstreamTimeout,
		metrics: metrics,
	}, nil
}

func sessionsPath(kind shared.SessionKind) string {
	if kind == shared.SessionKindTranscription {
		return "/v1/realtime/transcription_sessions"
	}
	return "/v1/realtime/sessions"
}

// CreateClientSecret registers sessionConfig with the endpoint and returns
// the session's short-lived credential.
func (u *Upstream) CreateClientSecret(ctx context.Context, kind shared.SessionKind, sessionConfig []byte) (ClientSecret, error) {
	var secret ClientSecret
	err := u.do(ctx, "create", func(req *fasthttp.Request) {
		req.SetRequestURI(u.base.JoinPath(sessionsPath(kind)).String())
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+u.apiKey.Reveal())
		req.Header.Set("OpenAI-Beta", "realtime=v1")
		req.Header.SetContentType("application/json")
		req.SetBody(sessionConfig)
	}, func(resp *fasthttp.Response) error {
		if resp.StatusCode() != fasthttp.StatusOK {
			return shared.NewUpstreamError(resp.StatusCode(), resp.Body())
		}
		cs := gjson.GetBytes(resp.Body(), "client_secret")
		secret.Value = cs.Get("value").String()
		secret.ExpiresAt = cs.Get("expires_at").Int()
		if secret.Value == "" {
			return &shared.UpstreamError{StatusCode: fasthttp.StatusBadGateway, Message: "invalid session response"}
		}
		return nil
	})
	return secret, err
}

// ExchangeSDP posts a raw offer with bearer and returns the raw answer.
// Transcription sessions select the transcription intent; otherwise model,
// if set, selects the model.
func (u *Upstream) ExchangeSDP(ctx context.Context, kind shared.SessionKind, bearer, model, offer string) (string, error) {
	target := u.base.JoinPath("/v1/realtime")
	q := target.Query()
	if kind == shared.SessionKindTranscription {
		q.Set("intent", "transcription")
	} else if model != "" {
		q.Set("model", model)
	}
	target.RawQuery = q.Encode()

	var answer string
	err := u.do(ctx, "sdp", func(req *fasthttp.Request) {
		req.SetRequestURI(target.String())
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.SetContentType("application/sdp")
		req.SetBodyString(offer)
	}, func(resp *fasthttp.Response) error {
		a, err := sdpAnswer(resp)
		answer = a
		return err
	})
	return answer, err
}

// CreateCall posts the offer and the session document together as a
// multipart form, authenticated with the long-lived secret, so no
// credential is minted at all.
func (u *Upstream) CreateCall(ctx context.Context, sessionConfig []byte, offer string) (string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	// SDP part
	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	// Session part
	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessionConfig); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}

	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	var answer string
	err = u.do(ctx, "call", func(req *fasthttp.Request) {
		req.SetRequestURI(u.base.JoinPath("/v1/realtime/calls").String())
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+u.apiKey.Reveal())
		req.Header.SetContentType(writer.FormDataContentType())
		req.SetBody(body.Bytes())
	}, func(resp *fasthttp.Response) error {
		a, err := sdpAnswer(resp)
		answer = a
		return err
	})
	return answer, err
}

func sdpAnswer(resp *fasthttp.Response) (string, error) {
	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusCreated:
	default:
		return "", shared.NewUpstreamError(resp.StatusCode(), resp.Body())
	}
	if len(bytes.TrimSpace(resp.Body())) == 0 {
		return "", &shared.UpstreamError{StatusCode: fasthttp.StatusBadGateway, Message: shared.ErrEmptyAnswer.Error()}
	}
	return string(resp.Body()), nil
}

func (u *Upstream) do(ctx context.Context, op string, build func(*fasthttp.Request), handle func(*fasthttp.Response) error) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	build(req)

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	err := u.client.DoDeadline(req, resp, deadline)
	u.metrics.observeUpstream(op, resp.StatusCode(), err, time.Since(start))
	if err != nil {
		u.logger.Error("upstream request failed", err, zap.String("op", op))
		status := fasthttp.StatusBadGateway
		if errors.Is(err, fasthttp.ErrTimeout) {
			status = fasthttp.StatusGatewayTimeout
		}
		return &shared.UpstreamError{StatusCode: status, Message: fmt.Sprintf("%s request failed: %v", op, err)}
	}
	u.logger.Debug(
		"upstream responded",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)),
	)
	return handle(resp)
}
