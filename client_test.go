package realtime

import (
	"context"
	"errors"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

const fixedAnswer = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"

type capturedRequest struct {
	method      string
	path        string
	query       string
	auth        string
	contentType string
	body        []byte
}

// fakeServer serves handler on an in-memory listener and returns a client
// dialing it.
func fakeServer(t *testing.T, handler func(ctx *fasthttp.RequestCtx)) (*fasthttp.Client, func() []capturedRequest) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			mu.Lock()
			reqs = append(reqs, capturedRequest{
				method:      string(ctx.Method()),
				path:        string(ctx.Path()),
				query:       string(ctx.QueryArgs().QueryString()),
				auth:        string(ctx.Request.Header.Peek("Authorization")),
				contentType: string(ctx.Request.Header.ContentType()),
				body:        append([]byte(nil), ctx.PostBody()...),
			})
			mu.Unlock()
			handler(ctx)
		},
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
	})
	client := &fasthttp.Client{
		Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	return client, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestBrokerSignalerRelaysOffer(t *testing.T) {
	client, requests := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		body, _ := sonic.Marshal(shared.SDPResponse{Answer: fixedAnswer})
		ctx.SetBody(body)
	})
	signaler, err := NewBrokerSignaler(shared.NewNopLogger(), "http://broker.test/api/realtime/session", WithHTTPClient(client), WithHeader("X-App", "demo"))
	require.NoError(t, err)

	answer, err := signaler.Signal(context.Background(), SignalRequest{
		Provider: shared.ProviderOpenAI,
		Kind:     shared.SessionKindTranscription,
		Offer:    "v=0 offer",
		Config:   SessionConfig(testConfig),
	})
	require.NoError(t, err)
	assert.Equal(t, fixedAnswer, answer)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, fasthttp.MethodPost, reqs[0].method)
	assert.Equal(t, "/api/realtime/session", reqs[0].path)
	assert.Equal(t, "application/json", reqs[0].contentType)

	var body shared.BrokerRequest
	require.NoError(t, sonic.Unmarshal(reqs[0].body, &body))
	assert.Equal(t, shared.ActionSDP, body.Action)
	assert.Equal(t, "openai", body.Provider)
	assert.Equal(t, "transcription", body.Kind)
	assert.Equal(t, "v=0 offer", body.SDP)
	assert.JSONEq(t, testConfig, string(body.SessionConfig))
}

func TestBrokerSignalerMapsErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		message     string
	}{
		{
			name:        "JSON error string",
			status:      fasthttp.StatusBadRequest,
			contentType: "application/json",
			body:        `{"error":"SDP offer is required"}`,
			message:     "SDP offer is required",
		},
		{
			name:        "JSON nested error",
			status:      fasthttp.StatusUnauthorized,
			contentType: "application/json",
			body:        `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			message:     "Incorrect API key provided",
		},
		{
			name:        "Plain text",
			status:      fasthttp.StatusBadGateway,
			contentType: "text/plain",
			body:        "upstream unavailable\n",
			message:     "upstream unavailable",
		},
		{
			name:    "Empty body",
			status:  fasthttp.StatusServiceUnavailable,
			message: "Service Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(tt.status)
				if tt.contentType != "" {
					ctx.SetContentType(tt.contentType)
				}
				ctx.SetBodyString(tt.body)
			})
			signaler, err := NewBrokerSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client))
			require.NoError(t, err)

			_, err = signaler.Signal(context.Background(), SignalRequest{Offer: "v=0", Config: SessionConfig(testConfig)})
			var ue *shared.UpstreamError
			require.True(t, errors.As(err, &ue), "got %v", err)
			assert.Equal(t, tt.status, ue.StatusCode)
			assert.Equal(t, tt.message, ue.Message)
		})
	}
}

func TestDirectSignalerExchangesWithEndpoint(t *testing.T) {
	client, requests := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/session":
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"clientSecret":"ek_short_lived"}`)
		case "/v1/realtime":
			ctx.SetStatusCode(fasthttp.StatusCreated)
			ctx.SetContentType("application/sdp")
			ctx.SetBodyString(fixedAnswer)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	})
	signaler, err := NewDirectSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client), WithEndpoint("http://endpoint.test"))
	require.NoError(t, err)

	answer, err := signaler.Signal(context.Background(), SignalRequest{
		Provider: shared.ProviderOpenAI,
		Kind:     shared.SessionKindConversation,
		Offer:    "v=0 offer",
		Config:   SessionConfig(testConfig),
	})
	require.NoError(t, err)
	assert.Equal(t, fixedAnswer, answer)

	reqs := requests()
	require.Len(t, reqs, 2)

	var create shared.BrokerRequest
	require.NoError(t, sonic.Unmarshal(reqs[0].body, &create))
	assert.Equal(t, shared.ActionCreate, create.Action)
	assert.Empty(t, create.SDP)
	assert.Empty(t, reqs[0].auth)

	assert.Equal(t, "/v1/realtime", reqs[1].path)
	assert.Equal(t, "model=m1", reqs[1].query)
	assert.Equal(t, "Bearer ek_short_lived", reqs[1].auth)
	assert.Equal(t, "application/sdp", reqs[1].contentType)
	assert.Equal(t, "v=0 offer", string(reqs[1].body))
}

func TestDirectSignalerTranscriptionIntent(t *testing.T) {
	client, requests := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/session" {
			ctx.SetBodyString(`{"clientSecret":"ek_1"}`)
			return
		}
		ctx.SetBodyString(fixedAnswer)
	})
	signaler, err := NewDirectSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client), WithEndpoint("http://endpoint.test"))
	require.NoError(t, err)

	_, err = signaler.Signal(context.Background(), SignalRequest{
		Kind:   shared.SessionKindTranscription,
		Offer:  "v=0",
		Config: SessionConfig(testConfig),
	})
	require.NoError(t, err)
	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "intent=transcription", reqs[1].query)
}

func TestDirectSignalerStopsWithoutCredential(t *testing.T) {
	client, requests := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"OpenAI API key not configured"}`)
	})
	signaler, err := NewDirectSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client))
	require.NoError(t, err)

	_, err = signaler.Signal(context.Background(), SignalRequest{Offer: "v=0", Config: SessionConfig(testConfig)})
	var ue *shared.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "OpenAI API key not configured", ue.Message)
	assert.Len(t, requests(), 1, "no SDP exchange without a credential")
}

func TestSignalerHonorsContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	client, _ := fakeServer(t, func(ctx *fasthttp.RequestCtx) {
		<-release
	})
	signaler, err := NewBrokerSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = signaler.Signal(ctx, SignalRequest{Offer: "v=0", Config: SessionConfig(testConfig)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// silentListener accepts connections and never reads from them.
func silentListener(t *testing.T) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) {
			return ln.Dial()
		},
	}
}

func TestAbandonedSignalsReleaseTheirRequests(t *testing.T) {
	client := silentListener(t)
	signaler, err := NewBrokerSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(client))
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		_, err := signaler.Signal(ctx, SignalRequest{Offer: "v=0", Config: SessionConfig(testConfig)})
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 2*time.Second, 20*time.Millisecond, "requests outlived their deadline")
}

func TestDefaultSignalerConfig(t *testing.T) {
	cfg, err := newSignalerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, cfg.endpoint.String())

	client, ok := cfg.client.(*fasthttp.Client)
	require.True(t, ok)
	assert.Equal(t, DefaultHTTPTimeout, client.ReadTimeout)
	assert.Equal(t, DefaultHTTPTimeout, client.WriteTimeout)
}

func TestNewSignalerValidatesBrokerURL(t *testing.T) {
	_, err := NewBrokerSignaler(shared.NewNopLogger(), "")
	assert.ErrorIs(t, err, shared.ErrNoBrokerURL)
	_, err = NewBrokerSignaler(shared.NewNopLogger(), "/relative/session")
	assert.Error(t, err)
	_, err = NewDirectSignaler(nil, "http://broker.test/session")
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewDirectSignaler(shared.NewNopLogger(), "http://broker.test/session", WithHTTPClient(nil))
	assert.Error(t, err)
}
