package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/refreshwatch/internal/app"
	"github.com/florianilch/refreshwatch/internal/interceptor"
	"github.com/florianilch/refreshwatch/internal/observability"
)

// telemetryFlushTimeout bounds the final export of buffered log records.
const telemetryFlushTimeout = 5 * time.Second

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand(os.Environ).Run(ctx, args)
}

func newRootCommand(environ func() []string) *cli.Command {
	return &cli.Command{
		Name:  "refreshwatch",
		Usage: "Renew expired sessions when requests come back 406",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
		},
		Commands: []*cli.Command{
			proxyStartCommand(environ),
			checkCommand(environ),
			credentialCommand(environ),
		},
	}
}

func proxyStartCommand(environ func() []string) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the intercepting proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "backend the proxy forwards to",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
			&cli.StringFlag{
				Name:  "refresh--url",
				Usage: "session refresh endpoint",
				Value: app.DefaultConfigRefreshURL,
			},
			&cli.StringFlag{
				Name:  "refresh--dispatch",
				Usage: "refresh dispatch mode (async|sync)",
				Value: app.DefaultConfigDispatch,
			},
			&cli.StringFlag{
				Name:  "telemetry--exporter",
				Usage: "OpenTelemetry log exporter (stdout|otlp-http|otlp-grpc)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return proxyStartAction(ctx, cmd, environ)
		},
	}
}

func proxyStartAction(ctx context.Context, cmd *cli.Command, environ func() []string) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdownTelemetry, err := instrument(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer flushTelemetry(shutdownTelemetry)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func checkCommand(environ func() []string) *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "send one request through the intercepted client and report the refresh outcome",
		ArgsUsage: "<url>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "retry",
				Usage: "re-send the request once after a successful refresh",
			},
			&cli.StringFlag{
				Name:  "method",
				Usage: "HTTP method",
				Value: http.MethodGet,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return checkAction(ctx, cmd, environ)
		},
	}
}

func checkAction(ctx context.Context, cmd *cli.Command, environ func() []string) error {
	target := cmd.Args().First()
	if target == "" {
		return errors.New("missing url argument")
	}

	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// The outcome must be known before the command returns
	cfg.Refresh.Dispatch = interceptor.DispatchSync.String()

	shutdownTelemetry, err := instrument(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer flushTelemetry(shutdownTelemetry)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer func() { _ = application.Close(context.WithoutCancel(ctx)) }()

	out := cmd.Root().Writer
	method := strings.ToUpper(cmd.String("method"))

	recCtx, rec := interceptor.WithRecorder(ctx)
	status, err := send(recCtx, application.Client(), method, target)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s %s: %d %s\n", method, target, status, http.StatusText(status))

	for _, res := range rec.Results() {
		if res.Err != nil {
			_, _ = fmt.Fprintf(out, "refresh failed: %v\n", res.Err)
			continue
		}
		_, _ = fmt.Fprintf(out, "refreshed: %d in %s\n", res.Outcome.StatusCode, res.Outcome.Duration.Round(time.Millisecond))
	}

	if !cmd.Bool("retry") || !rec.Refreshed() {
		return nil
	}

	status, err = send(ctx, application.Client(), method, target)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	_, _ = fmt.Fprintf(out, "retry %s %s: %d %s\n", method, target, status, http.StatusText(status))
	return nil
}

func send(ctx context.Context, client *http.Client, method, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return resp.StatusCode, nil
}

func credentialCommand(environ func() []string) *cli.Command {
	return &cli.Command{
		Name:  "credential",
		Usage: "manage the stored session credential",
		Commands: []*cli.Command{
			{
				Name:  "set",
				Usage: "store a session cookie or refresh token read from stdin",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return credentialSetAction(ctx, cmd, environ)
				},
			},
		},
	}
}

func credentialSetAction(ctx context.Context, cmd *cli.Command, environ func() []string) error {
	cfg, err := loadConfig(cmd.String("config"), cmd, environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, closeStore, err := cfg.Credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	defer func() { _ = closeStore() }()

	if store == nil {
		return errors.New("no credential storage configured, set credentials.storage")
	}

	credential, err := readSecret(cmd.Root().Reader, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}

	if err := store.Write(ctx, credential); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.Root().Writer, "credential stored (%s)\n", cfg.Credentials.Storage)
	return nil
}

// readSecret reads the credential without echo from a terminal, or the first
// line of r otherwise.
func readSecret(r io.Reader, prompt io.Writer) (string, error) {
	if f, ok := r.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(prompt, "Credential: ")
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading credential: %w", err)
		}
		return validSecret(string(secret))
	}

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading credential: %w", err)
	}
	return validSecret(line)
}

func validSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("empty credential")
	}
	return s, nil
}

func instrument(ctx context.Context, cfg *app.Config) (observability.ShutdownFunc, error) {
	return observability.Instrument(ctx, observability.Config{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
}

func flushTelemetry(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Error("failed to flush telemetry", "error", err)
	}
}
