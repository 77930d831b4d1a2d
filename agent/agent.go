package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/local"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultHeartbeatTimeout is how long an agent with a heartbeat failure handler waits for a heartbeat.
const DefaultHeartbeatTimeout = 1 * time.Minute

// Agent is an HTTP server that executes scripts for remote shells.
//
// Executions are served over a WebSocket: output flows back as binary messages and the close
// status reports the result. A failed execution closes with StatusExecutionFailed and a synthetic
// error code, and its diagnostic is cached so the client can fetch it from /error_message.
type Agent struct {
	logger *zap.SugaredLogger

	shell shell.Shell
	tools map[string]Tool

	errorCodeBase  uint32
	errorCacheTTL  time.Duration
	errorCacheSize int
	errors         *ErrorCache

	registry *prometheus.Registry
	metrics  *metrics

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	tlsConfig               *tls.Config

	httpServer *http.Server
	serverMut  sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithTLSConfig serves the agent over TLS, see ServerTLSConfig.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(a *Agent) {
		a.tlsConfig = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithShell sets the backend that runs scripts. The default is bash on the agent's host.
func WithShell(sh shell.Shell) Option {
	return func(a *Agent) {
		a.shell = sh
	}
}

// WithTool registers an in-process command, selected by the Tool header.
func WithTool(name string, t Tool) Option {
	return func(a *Agent) {
		a.tools[name] = t
	}
}

// WithErrorCacheTTL sets how long diagnostics are kept. It must be at least MinErrorCacheTTL.
func WithErrorCacheTTL(d time.Duration) Option {
	return func(a *Agent) {
		a.errorCacheTTL = d
	}
}

func WithErrorCacheSize(n int) Option {
	return func(a *Agent) {
		a.errorCacheSize = n
	}
}

// WithErrorCodeBase sets the lowest synthetic error code.
func WithErrorCodeBase(base uint32) Option {
	return func(a *Agent) {
		a.errorCodeBase = base
	}
}

// HeartbeatFailureExit is a heartbeat failure handler that kills every process the agent started and exits.
func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	shell.Exit(1)
}

func New(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		tools:            map[string]Tool{},
		errorCodeBase:    DefaultErrorCodeBase,
		errorCacheTTL:    DefaultErrorCacheTTL,
		errorCacheSize:   DefaultErrorCacheSize,
		registry:         prometheus.NewRegistry(),
		heartbeatTimeout: DefaultHeartbeatTimeout,
		listenAddr:       "127.0.0.1:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.shell == nil {
		a.shell = &local.Bash{Options: local.Options{Log: a.logger}}
	}
	a.errors, err = NewErrorCache(a.errorCodeBase, a.errorCacheSize, a.errorCacheTTL)
	if err != nil {
		return nil, err
	}
	a.metrics = newMetrics(a.registry)
	return a, nil
}

// Errors returns the cache of diagnostics for failed executions.
func (a *Agent) Errors() *ErrorCache { return a.errors }

// Handler returns the agent's HTTP routes.
func (a *Agent) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/exec", a.exec)
	router.GET("/error_message", a.errorMessage)
	router.POST("/error_message", a.errorMessage)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return router
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler when no heartbeat arrives in time.
func (a *Agent) startHeartbeatCheck() {
	if a.heartbeatFailureHandler == nil {
		return
	}
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.heartbeatFailureHandler()
			}
		}
	}()
}

// Serve serves the agent on l and returns once the agent has stopped.
func (a *Agent) Serve(l net.Listener) error {
	if a.tlsConfig != nil {
		l = tls.NewListener(l, a.tlsConfig)
	}
	server := &http.Server{Handler: a.Handler()}
	a.serverMut.Lock()
	a.httpServer = server
	a.serverMut.Unlock()

	a.startHeartbeatCheck()
	a.logger.Debugw("serving", "Addr", l.Addr().String())

	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run listens on the configured address and serves the agent until it is stopped.
func (a *Agent) Run() error {
	l, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return a.Serve(l)
}

func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.serverMut.Lock()
	defer a.serverMut.Unlock()
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Close()
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// errorMessage serves the cached diagnostic of a failed execution.
func (a *Agent) errorMessage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	header := r.Header.Get(HeaderErrorCode)
	if header == "" {
		http.Error(w, "missing Error-Code header", http.StatusBadRequest)
		return
	}
	code, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid error code %q", header), http.StatusBadRequest)
		return
	}

	msg, ok := a.errors.Lookup(code)
	if !ok {
		a.metrics.errorLookups.WithLabelValues("miss").Inc()
		http.Error(w, fmt.Sprintf("error code %d not found", code), http.StatusNotFound)
		return
	}
	a.metrics.errorLookups.WithLabelValues("hit").Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = io.WriteString(w, msg)
	if err != nil {
		a.logger.Debugf("error sending error message: %s", err)
	}
}
