package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// DefaultEndpoint is the primary provider's API origin.
const DefaultEndpoint = "https://api.openai.com"

// SignalRequest is one offer to exchange for an answer.
type SignalRequest struct {
	Provider shared.Provider
	Kind     shared.SessionKind
	Offer    string
	Config   SessionConfig
}

// Signaler turns a local SDP offer into the remote endpoint's SDP answer,
// obtaining whatever credential that takes on the way.
type Signaler interface {
	Signal(ctx context.Context, req SignalRequest) (answer string, err error)
}

// DefaultHTTPTimeout bounds reads and writes of the default HTTP client, for
// requests whose context carries no deadline.
const DefaultHTTPTimeout = 30 * time.Second

// Doer is satisfied by *fasthttp.Client and *fasthttp.HostClient.
type Doer interface {
	Do(req *fasthttp.Request, resp *fasthttp.Response) error
	DoDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error
}

type signalerConfig struct {
	client   Doer
	endpoint *url.URL
	headers  map[string]string
}

type SignalerOption func(*signalerConfig) error

func WithHTTPClient(client Doer) SignalerOption {
	return func(c *signalerConfig) error {
		if client == nil {
			return errors.New("http client is nil")
		}
		c.client = client
		return nil
	}
}

// WithEndpoint overrides the remote endpoint origin a DirectSignaler posts
// the offer to.
func WithEndpoint(endpoint string) SignalerOption {
	return func(c *signalerConfig) error {
		u, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("parsing endpoint URL: %w", err)
		}
		c.endpoint = u
		return nil
	}
}

// WithHeader adds a header to every broker request, e.g. an app session
// cookie.
func WithHeader(key, value string) SignalerOption {
	return func(c *signalerConfig) error {
		c.headers[key] = value
		return nil
	}
}

func newSignalerConfig(opts []SignalerOption) (*signalerConfig, error) {
	c := &signalerConfig{
		client: &fasthttp.Client{
			Name:         "realtime-session/" + shared.Version,
			ReadTimeout:  DefaultHTTPTimeout,
			WriteTimeout: DefaultHTTPTimeout,
		},
		endpoint: &url.URL{
			Scheme: "https",
			Host:   "api.openai.com",
		},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func parseBrokerURL(brokerURL string) (*url.URL, error) {
	if brokerURL == "" {
		return nil, shared.ErrNoBrokerURL
	}
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("broker URL %q is not absolute", brokerURL)
	}
	return u, nil
}

// BrokerSignaler relays the offer through the credential broker, which
// performs the upstream exchange itself. No credential reaches the client.
type BrokerSignaler struct {
	logger shared.LoggerAdapter
	broker *url.URL
	cfg    *signalerConfig
}

var _ Signaler = (*BrokerSignaler)(nil)

// NewBrokerSignaler posts to brokerURL, the full URL of the broker's
// /session resource.
func NewBrokerSignaler(logger shared.LoggerAdapter, brokerURL string, opts ...SignalerOption) (*BrokerSignaler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := parseBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	cfg, err := newSignalerConfig(opts)
	if err != nil {
		return nil, err
	}
	return &BrokerSignaler{logger: logger, broker: u, cfg: cfg}, nil
}

func (b *BrokerSignaler) Signal(ctx context.Context, sr SignalRequest) (string, error) {
	body, err := sonic.Marshal(shared.BrokerRequest{
		Action:        shared.ActionSDP,
		Provider:      string(sr.Provider),
		Kind:          string(sr.Kind),
		SessionConfig: json.RawMessage(sr.Config),
		SDP:           sr.Offer,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling broker request: %w", err)
	}
	var answer string
	err = do(ctx, b.cfg.client, func(req *fasthttp.Request) {
		b.cfg.brokerRequest(req, b.broker, body)
	}, func(resp *fasthttp.Response) error {
		if resp.StatusCode() != fasthttp.StatusOK {
			return shared.NewUpstreamError(resp.StatusCode(), resp.Body())
		}
		answer = gjson.GetBytes(resp.Body(), "answer").String()
		return nil
	})
	if err != nil {
		return "", err
	}
	b.logger.Debug("broker returned answer", zap.Int("sdp_bytes", len(answer)))
	return answer, nil
}

// DirectSignaler asks the broker for a short-lived credential, then posts
// the offer to the remote endpoint itself. The credential is used for that
// single request and dropped.
type DirectSignaler struct {
	logger shared.LoggerAdapter
	broker *url.URL
	cfg    *signalerConfig
}

var _ Signaler = (*DirectSignaler)(nil)

func NewDirectSignaler(logger shared.LoggerAdapter, brokerURL string, opts ...SignalerOption) (*DirectSignaler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := parseBrokerURL(brokerURL)
	if err != nil {
		return nil, err
	}
	cfg, err := newSignalerConfig(opts)
	if err != nil {
		return nil, err
	}
	return &DirectSignaler{logger: logger, broker: u, cfg: cfg}, nil
}

func (d *DirectSignaler) Signal(ctx context.Context, sr SignalRequest) (string, error) {
	credential, err := d.credential(ctx, sr)
	if err != nil {
		return "", fmt.Errorf("requesting credential: %w", err)
	}

	target := d.cfg.endpoint.JoinPath("/v1/realtime")
	q := target.Query()
	if sr.Kind == shared.SessionKindTranscription {
		q.Set("intent", "transcription")
	} else if model := sr.Config.Model(); model != "" {
		q.Set("model", model)
	}
	target.RawQuery = q.Encode()

	var answer string
	err = do(ctx, d.cfg.client, func(req *fasthttp.Request) {
		req.SetRequestURI(target.String())
		req.Header.SetMethod(fasthttp.MethodPost)
		req.Header.Set("Authorization", "Bearer "+credential)
		req.Header.SetContentType("application/sdp")
		req.SetBodyString(sr.Offer)
	}, func(resp *fasthttp.Response) error {
		switch resp.StatusCode() {
		case fasthttp.StatusOK, fasthttp.StatusCreated:
			answer = string(resp.Body())
			return nil
		default:
			return shared.NewUpstreamError(resp.StatusCode(), resp.Body())
		}
	})
	if err != nil {
		return "", fmt.Errorf("exchanging offer with endpoint: %w", err)
	}
	return answer, nil
}

func (d *DirectSignaler) credential(ctx context.Context, sr SignalRequest) (string, error) {
	body, err := sonic.Marshal(shared.BrokerRequest{
		Action:        shared.ActionCreate,
		Provider:      string(sr.Provider),
		Kind:          string(sr.Kind),
		SessionConfig: json.RawMessage(sr.Config),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling broker request: %w", err)
	}
	var secret string
	err = do(ctx, d.cfg.client, func(req *fasthttp.Request) {
		d.cfg.brokerRequest(req, d.broker, body)
	}, func(resp *fasthttp.Response) error {
		if resp.StatusCode() != fasthttp.StatusOK {
			return shared.NewUpstreamError(resp.StatusCode(), resp.Body())
		}
		secret = gjson.GetBytes(resp.Body(), "clientSecret").String()
		if secret == "" {
			return errors.New("broker returned no client secret")
		}
		return nil
	})
	return secret, err
}

func (c *signalerConfig) brokerRequest(req *fasthttp.Request, broker *url.URL, body []byte) {
	req.SetRequestURI(broker.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)
}

// do runs one request, giving up when ctx is done. A deadline on ctx also
// bounds the request itself. The pooled request and response are released
// only after the client is finished with them.
func do(ctx context.Context, client Doer, build func(*fasthttp.Request), handle func(*fasthttp.Response) error) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	release := func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}
	build(req)

	errC := make(chan error, 1)
	deadline, hasDeadline := ctx.Deadline()
	go func() {
		if hasDeadline {
			errC <- client.DoDeadline(req, resp, deadline)
			return
		}
		errC <- client.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		go func() {
			<-errC
			release()
		}()
		return context.Cause(ctx)
	case err := <-errC:
		defer release()
		// the client and ctx share a deadline; report it the way ctx does
		if errors.Is(err, fasthttp.ErrTimeout) && hasDeadline && !time.Now().Before(deadline) {
			<-ctx.Done()
			return context.Cause(ctx)
		}
		if err != nil {
			return &shared.TransportError{Op: "performing HTTP request", Err: err}
		}
		return handle(resp)
	}
}
