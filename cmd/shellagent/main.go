package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/docker"
	"github.com/guseggert/shellpipe/shell/local"
	"github.com/guseggert/shellpipe/shell/remote"
	"github.com/guseggert/shellpipe/shell/service"
	"github.com/guseggert/shellpipe/sink/s3sink"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "shellagent",
		Usage: "run scripts locally, in containers, or on remote agents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "The minimum level of log messages.",
				Value:   "info",
				EnvVars: []string{"SHELLPIPE_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{serveCommand, runCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		shell.Exit(exitCode(err))
	}
}

// exitCode maps a failed script's error code onto a process exit status.
func exitCode(err error) int {
	code, ok := shell.ErrorCode(err)
	if !ok || code < 1 || code > 255 {
		return 1
	}
	return int(code)
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve script executions over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "on-heartbeat-failure",
			Usage: "Action to take on a heartbeat failure. One of [exit,none].",
			Value: "none",
		},
		&cli.DurationFlag{
			Name:  "heartbeat-timeout",
			Usage: "Duration to wait for a heartbeat before taking the heartbeat failure action.",
			Value: agent.DefaultHeartbeatTimeout,
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTP server to listen on.",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"SHELLPIPE_LISTEN_ADDR"},
		},
		&cli.StringFlag{
			Name:    "ca-cert-pem",
			Usage:   "The CA cert PEM bytes that client certs must be issued by (base64-encoded). Enables mutual TLS.",
			EnvVars: []string{agent.EnvCACert},
		},
		&cli.StringFlag{
			Name:    "cert-pem",
			Usage:   "The server cert PEM bytes (base64-encoded).",
			EnvVars: []string{agent.EnvCert},
		},
		&cli.StringFlag{
			Name:    "key-pem",
			Usage:   "The server key PEM bytes (base64-encoded).",
			EnvVars: []string{agent.EnvKey},
		},
		&cli.DurationFlag{
			Name:  "error-cache-ttl",
			Usage: "How long the diagnostics of failed executions can be read.",
			Value: agent.DefaultErrorCacheTTL,
		},
		&cli.IntFlag{
			Name:  "error-cache-size",
			Usage: "How many diagnostics are kept.",
			Value: agent.DefaultErrorCacheSize,
		},
		&cli.UintFlag{
			Name:  "error-code-base",
			Usage: "The lowest synthetic error code.",
			Value: agent.DefaultErrorCodeBase,
		},
	},
	Action: func(c *cli.Context) error {
		logger, err := newLogger(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		opts := []agent.Option{
			agent.WithLogger(logger),
			agent.WithListenAddr(c.String("listen-addr")),
			agent.WithHeartbeatTimeout(c.Duration("heartbeat-timeout")),
			agent.WithErrorCacheTTL(c.Duration("error-cache-ttl")),
			agent.WithErrorCacheSize(c.Int("error-cache-size")),
			agent.WithErrorCodeBase(uint32(c.Uint("error-code-base"))),
		}

		switch onHeartbeatFailure := c.String("on-heartbeat-failure"); onHeartbeatFailure {
		case "exit":
			opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureExit))
		case "none":
			// nothing
		default:
			return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
		}

		caCert, cert, key := c.String("ca-cert-pem"), c.String("cert-pem"), c.String("key-pem")
		switch {
		case caCert == "" && cert == "" && key == "":
			logger.Warn("serving without TLS, anyone who can reach the listen address can run scripts")
		case caCert == "" || cert == "" || key == "":
			return errors.New("ca-cert-pem, cert-pem and key-pem must be set together")
		default:
			tlsConfig, err := agent.ServerTLSConfigFromEnv(caCert, cert, key)
			if err != nil {
				return fmt.Errorf("building TLS config: %w", err)
			}
			opts = append(opts, agent.WithTLSConfig(tlsConfig))
		}

		a, err := agent.New(opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}
		return a.Run()
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a script and stream its output",
	ArgsUsage: "SCRIPT...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "remote",
			Usage: "Run on the agent at this base URL.",
		},
		&cli.StringFlag{
			Name:  "tool",
			Usage: "With --remote, run the script as arguments to this agent tool.",
		},
		&cli.StringFlag{
			Name:  "docker-container",
			Usage: "Run in this running Docker container.",
		},
		&cli.BoolFlag{
			Name:  "service",
			Usage: "Run through a persistent agent subprocess.",
		},
		&cli.BoolFlag{
			Name:  "strict",
			Usage: "Stop at the first failing command, including failures inside pipes (local bash only).",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "The working directory, on this host.",
		},
		&cli.StringFlag{
			Name:  "input",
			Usage: `Feed the script from a file, an s3:// URL, or "-" for stdin.`,
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "Write the output to a file or an s3:// URL instead of stdout.",
		},
	},
	Action: func(c *cli.Context) error {
		logger, err := newLogger(c)
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Sugar()

		script := strings.Join(c.Args().Slice(), " ")
		if script == "" {
			return errors.New("no script given")
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		sh, cleanup, err := backend(c, log)
		if err != nil {
			return err
		}
		defer cleanup()

		s := shell.NewScript(sh, script)
		if dir := c.String("dir"); dir != "" {
			s = s.WithDir(dir)
		}

		in, err := openInput(ctx, c.String("input"))
		if err != nil {
			return err
		}
		if in != nil {
			defer in.Close()
		}
		return runTo(ctx, s, in, c.String("output"))
	},
}

func backend(c *cli.Context, log *zap.SugaredLogger) (shell.Shell, func(), error) {
	nop := func() {}
	chosen := 0
	for _, name := range []string{"remote", "docker-container", "service"} {
		if c.IsSet(name) {
			chosen++
		}
	}
	if chosen > 1 {
		return nil, nop, errors.New("at most one of --remote, --docker-container and --service can be set")
	}
	if c.IsSet("tool") && !c.IsSet("remote") {
		return nil, nop, errors.New("--tool requires --remote")
	}

	switch {
	case c.IsSet("remote"):
		opts := []remote.Option{remote.WithLogger(log), remote.WithEcho(os.Stderr)}
		if tool := c.String("tool"); tool != "" {
			opts = append(opts, remote.WithTool(tool))
		}
		return remote.NewShell(c.String("remote"), opts...), nop, nil
	case c.IsSet("docker-container"):
		dc, err := docker.NewClient()
		if err != nil {
			return nil, nop, err
		}
		return &docker.Shell{Log: log, Client: dc, Container: c.String("docker-container"), Echo: os.Stderr}, func() { dc.Close() }, nil
	case c.Bool("service"):
		svc := service.New(service.WithLogger(log))
		return svc, func() { svc.Close() }, nil
	default:
		return &local.Bash{Options: local.Options{Log: log, Echo: os.Stderr}, Strict: c.Bool("strict")}, nop, nil
	}
}

func openInput(ctx context.Context, input string) (io.ReadCloser, error) {
	switch {
	case input == "":
		return nil, nil
	case input == "-":
		return os.Stdin, nil
	case s3sink.IsURL(input):
		loc, err := s3sink.ParseURL(input)
		if err != nil {
			return nil, err
		}
		sess, err := s3sink.NewSession()
		if err != nil {
			return nil, err
		}
		return s3sink.Open(ctx, s3.New(sess), loc)
	default:
		f, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("opening input: %w", err)
		}
		return f, nil
	}
}

func runTo(ctx context.Context, s *shell.Script, in io.Reader, output string) error {
	switch {
	case output == "":
		return s.Run(ctx, in, os.Stdout)
	case s3sink.IsURL(output):
		loc, err := s3sink.ParseURL(output)
		if err != nil {
			return err
		}
		sess, err := s3sink.NewSession()
		if err != nil {
			return err
		}
		sink := s3sink.New(ctx, s3manager.NewUploader(sess), loc)
		err = s.Run(ctx, in, sink)
		if err != nil {
			_ = sink.Abort(err)
			return err
		}
		return sink.Close()
	default:
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		err = s.Run(ctx, in, f)
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("closing output: %w", closeErr)
		}
		return err
	}
}
