package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotFound is returned when the agent has no diagnostic cached for an error code.
var ErrNotFound = errors.New("error code not found")

var defaultClientLogger = zap.NewNop().Sugar()

// Client talks to an Agent over HTTP, or HTTPS with client certificates.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	tlsConfig                *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval      time.Duration
	heartbeatInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("agent_client")
	}
}

// WithClientTLSConfig authenticates to an agent served over TLS, see ClientTLSConfig.
func WithClientTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent at baseURL, e.g. "http://127.0.0.1:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:            defaultClientLogger,
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		waitInterval:      100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stopHeartbeat:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	if c.tlsConfig != nil {
		retryClient.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: c.tlsConfig},
		}
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// ExecRequest describes an execution for DialExec.
type ExecRequest struct {
	Script string
	Dir    string
	// Tool selects an in-process tool instead of running Script in a shell.
	Tool string
	// Input announces that input messages follow the upgrade.
	Input bool
}

// DialExec opens the WebSocket connection of a new execution.
func (c *Client) DialExec(ctx context.Context, req ExecRequest) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(HeaderScript, EncodeScript(req.Script))
	if req.Dir != "" {
		header.Set(HeaderWorkingDir, req.Dir)
	}
	if req.Tool != "" {
		header.Set(HeaderTool, req.Tool)
	}
	if req.Input {
		header.Set(HeaderInput, InputStream)
	}

	u := c.baseURL + "/exec"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.Body != nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if len(b) > 0 {
				return nil, fmt.Errorf("dialing WebSocket conn: %w: %s", err, strings.TrimSpace(string(b)))
			}
		}
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	conn.SetReadLimit(ReadLimit)
	return conn, nil
}

// ReadErrorMessage fetches the diagnostic of a failed execution. It returns ErrNotFound if the agent
// never cached one for code, or it has expired.
func (c *Client) ReadErrorMessage(ctx context.Context, code int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/error_message", nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(HeaderErrorCode, strconv.FormatInt(code, 10))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reading error message over HTTP: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return string(b), nil
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("non-200 HTTP status code %d received when reading error message: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

// StartHeartbeat keeps the agent alive by sending heartbeats until StopHeartbeat is called.
func (c *Client) StartHeartbeat() {
	c.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.heartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := c.SendHeartbeat(context.Background())
				if err != nil {
					c.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
