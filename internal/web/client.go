package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/rowsync/rowsync/internal/orchestrator"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// HTTPClient performs the requests (default: 60s timeout)
	HTTPClient *http.Client

	// Compress sends snappy request bodies and asks for snappy responses
	Compress bool

	// Header is added to every request, e.g. for authentication
	Header http.Header

	Logger *log.Logger
}

// Client is an orchestrator.Remote talking to a Handler.
type Client struct {
	endpoint string
	http     *http.Client
	opts     ClientOptions
	logger   *log.Logger
}

var _ orchestrator.Remote = (*Client)(nil)

// NewClient creates a client for the server at baseURL, e.g.
// "https://sync.example.com".
func NewClient(baseURL string, opts ClientOptions) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[web] ", log.LstdFlags)
	}
	return &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + SyncPath,
		http:     opts.HTTPClient,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Endpoint returns the URL every step is posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) BeginSession(ctx context.Context, sc *orchestrator.SyncContext) (*orchestrator.BeginSessionResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepBeginSession})
	if err != nil {
		return nil, err
	}
	if resp.BeginSession == nil {
		return nil, missing(orchestrator.StepBeginSession)
	}
	return resp.BeginSession, nil
}

func (c *Client) EnsureScopes(ctx context.Context, sc *orchestrator.SyncContext, req *orchestrator.EnsureScopesRequest) (*orchestrator.EnsureScopesResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepEnsureScopes, EnsureScopes: req})
	if err != nil {
		return nil, err
	}
	if resp.EnsureScopes == nil {
		return nil, missing(orchestrator.StepEnsureScopes)
	}
	return resp.EnsureScopes, nil
}

func (c *Client) EnsureConfiguration(ctx context.Context, sc *orchestrator.SyncContext) (*orchestrator.EnsureConfigurationResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepEnsureConfiguration})
	if err != nil {
		return nil, err
	}
	if resp.EnsureConfiguration == nil {
		return nil, missing(orchestrator.StepEnsureConfiguration)
	}
	return resp.EnsureConfiguration, nil
}

func (c *Client) EnsureDatabase(ctx context.Context, sc *orchestrator.SyncContext) (*orchestrator.EnsureDatabaseResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepEnsureDatabase})
	if err != nil {
		return nil, err
	}
	if resp.EnsureDatabase == nil {
		return nil, missing(orchestrator.StepEnsureDatabase)
	}
	return resp.EnsureDatabase, nil
}

func (c *Client) ApplyChanges(ctx context.Context, sc *orchestrator.SyncContext, req *orchestrator.ApplyChangesRequest) (*orchestrator.ApplyChangesResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepApplyChanges, ApplyChanges: req})
	if err != nil {
		return nil, err
	}
	if resp.ApplyChanges == nil {
		return nil, missing(orchestrator.StepApplyChanges)
	}
	return resp.ApplyChanges, nil
}

func (c *Client) GetChangeBatch(ctx context.Context, sc *orchestrator.SyncContext, req *orchestrator.GetChangeBatchRequest) (*orchestrator.GetChangeBatchResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepGetChangeBatch, GetChangeBatch: req})
	if err != nil {
		return nil, err
	}
	if resp.GetChangeBatch == nil {
		return nil, missing(orchestrator.StepGetChangeBatch)
	}
	return resp.GetChangeBatch, nil
}

func (c *Client) WriteScopes(ctx context.Context, sc *orchestrator.SyncContext, req *orchestrator.WriteScopesRequest) (*orchestrator.WriteScopesResponse, error) {
	resp, err := c.call(ctx, sc, &Message{Step: orchestrator.StepWriteScopes, WriteScopes: req})
	if err != nil {
		return nil, err
	}
	if resp.WriteScopes == nil {
		return nil, missing(orchestrator.StepWriteScopes)
	}
	return resp.WriteScopes, nil
}

func (c *Client) EndSession(ctx context.Context, sc *orchestrator.SyncContext) error {
	_, err := c.call(ctx, sc, &Message{Step: orchestrator.StepEndSession})
	return err
}

func missing(step orchestrator.Step) error {
	return syncerr.New(syncerr.KindProtocol, step.String(),
		fmt.Errorf("%w: response has no %s result", syncerr.ErrMissingPayload, step))
}

// call posts one step. Status is checked before the payload is trusted:
// a non-2xx answer always becomes an error.
func (c *Client) call(ctx context.Context, sc *orchestrator.SyncContext, msg *Message) (*Response, error) {
	op := msg.Step.String()
	msgCtx := *sc
	msgCtx.Step = msg.Step
	msg.Version = ProtocolVersion
	msg.Context = &msgCtx

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, syncerr.New(syncerr.KindInternal, op, fmt.Errorf("failed to encode request: %w", err))
	}
	if c.opts.Compress {
		var buf bytes.Buffer
		sw := snappy.NewBufferedWriter(&buf)
		if _, err := sw.Write(data); err != nil {
			return nil, syncerr.New(syncerr.KindInternal, op, fmt.Errorf("failed to compress request: %w", err))
		}
		if err := sw.Close(); err != nil {
			return nil, syncerr.New(syncerr.KindInternal, op, fmt.Errorf("failed to compress request: %w", err))
		}
		data = buf.Bytes()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, syncerr.New(syncerr.KindInternal, op, err)
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", contentType)
	if sc.SessionID != "" {
		req.Header.Set(SessionHeader, sc.SessionID)
	}
	if c.opts.Compress {
		req.Header.Set("Content-Encoding", encodingSnappy)
		req.Header.Set("Accept-Encoding", encodingSnappy)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, syncerr.New(syncerr.KindInternal, op, ctx.Err())
		}
		c.logger.Printf("Warning: %s request to %s failed: %v", op, c.endpoint, err)
		return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("failed to reach server: %w", err))
	}
	defer httpResp.Body.Close()

	var body io.Reader = httpResp.Body
	if strings.EqualFold(httpResp.Header.Get("Content-Encoding"), encodingSnappy) {
		body = snappy.NewReader(body)
	}

	var resp Response
	decodeErr := json.NewDecoder(body).Decode(&resp)
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if decodeErr == nil && resp.Error != nil {
			return nil, resp.Error.Err(op)
		}
		return nil, syncerr.New(kindForStatus(httpResp.StatusCode), op,
			fmt.Errorf("server answered %s", httpResp.Status))
	}
	if decodeErr != nil {
		if errors.Is(decodeErr, io.ErrUnexpectedEOF) {
			return nil, syncerr.New(syncerr.KindTransient, op, fmt.Errorf("truncated response: %w", decodeErr))
		}
		return nil, syncerr.New(syncerr.KindProtocol, op, fmt.Errorf("failed to decode response: %w", decodeErr))
	}
	if resp.Error != nil {
		return nil, resp.Error.Err(op)
	}
	if err := CheckVersion(resp.Version); err != nil {
		return nil, err
	}
	return &resp, nil
}
