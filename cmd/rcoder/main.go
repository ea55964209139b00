package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rcoder/rcoder"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/config"
	"github.com/rcoder/rcoder/dispatch"
	"github.com/rcoder/rcoder/monitor"
	"github.com/rcoder/rcoder/session"
	"github.com/rcoder/rcoder/transport"
)

func main() {
	app := &cli.App{
		Name:  "rcoder",
		Usage: "run commands on remote servers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file.",
				Value: "rcoder.yaml",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Server profile to target. Defaults to the config's default server.",
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "Client identity presented during authentication.",
				EnvVars: []string{"RCODER_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:     "client-key",
				Usage:    "The client's private key (base64-encoded seed).",
				Required: true,
				EnvVars:  []string{"RCODER_CLIENT_KEY"},
			},
			&cli.StringSliceFlag{
				Name:  "host-key",
				Usage: "A pinned server key as server=base64pubkey. Repeatable.",
			},
			&cli.BoolFlag{
				Name:  "websocket",
				Usage: "Use the WebSocket disguise strategy instead of HTTP framing.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "exec",
				Usage:     "Run one command and print its output.",
				ArgsUsage: "<command>",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Per-command timeout. Zero uses the server profile's timeout.",
					},
					&cli.BoolFlag{
						Name:  "wait-restart",
						Usage: "Expect the command to restart the host and wait for it to come back.",
					},
				},
				Action: runExec,
			},
			{
				Name:      "batch",
				Usage:     "Run several commands in order and print each result.",
				ArgsUsage: "<command>...",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pipelined",
						Usage: "Submit all commands at once instead of one after another.",
					},
				},
				Action: runBatch,
			},
			{
				Name:   "ping",
				Usage:  "Probe the server and print its health snapshot.",
				Action: runPing,
			},
			{
				Name:  "monitor",
				Usage: "Watch servers and print alerts until interrupted.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Monitor every configured server, not just the selected one.",
					},
				},
				Action: runMonitor,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type env struct {
	cfg     *config.Config
	profile rcoder.ServerProfile
	reg     *session.Registry
	disp    *dispatch.Dispatcher
	log     *zap.SugaredLogger
}

func setup(ctx *cli.Context) (*env, error) {
	lvl, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	logs := logger.Sugar()

	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile(ctx.String("server"))
	if err != nil {
		return nil, err
	}

	creds, err := buildCredentials(ctx)
	if err != nil {
		return nil, err
	}

	dialOpts := []transport.Option{transport.WithLogger(logs)}
	if ctx.Bool("websocket") {
		dialOpts = append(dialOpts, transport.WithDisguiseMode(transport.DisguiseWebSocket))
	}
	reg := session.NewRegistry(creds,
		session.WithRegistryLogger(logs),
		session.WithDialer(transport.NewDialer(dialOpts...)),
	)
	return &env{
		cfg:     cfg,
		profile: profile,
		reg:     reg,
		disp:    dispatch.New(reg, dispatch.WithLogger(logs)),
		log:     logs,
	}, nil
}

func buildCredentials(ctx *cli.Context) (*auth.Credentials, error) {
	raw, err := base64.StdEncoding.DecodeString(ctx.String("client-key"))
	if err != nil {
		return nil, fmt.Errorf("decoding client key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("client key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	clientID := ctx.String("client-id")
	if clientID == "" {
		if clientID, err = os.Hostname(); err != nil {
			return nil, fmt.Errorf("no client ID given and hostname lookup failed: %w", err)
		}
	}

	hostKeys := map[string]ed25519.PublicKey{}
	for _, entry := range ctx.StringSlice("host-key") {
		server, encoded, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("host key %q must be server=base64pubkey", entry)
		}
		pub, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding host key for %q: %w", server, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("host key for %q must be %d bytes, got %d", server, ed25519.PublicKeySize, len(pub))
		}
		hostKeys[server] = ed25519.PublicKey(pub)
	}

	return &auth.Credentials{ClientID: clientID, PrivateKey: priv, HostKeys: hostKeys}, nil
}

func runExec(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("exec takes exactly one command argument")
	}
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.reg.CloseAll()

	res, err := e.disp.Execute(ctx.Context, e.profile, rcoder.Command{
		Text:           ctx.Args().First(),
		Timeout:        ctx.Duration("timeout"),
		WaitForRestart: ctx.Bool("wait-restart"),
	})
	if err != nil {
		return err
	}
	printResult(res)
	if res.ExitCode != 0 {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}

func runBatch(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("batch takes one or more command arguments")
	}
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.reg.CloseAll()

	cmds := make([]rcoder.Command, 0, ctx.NArg())
	for _, text := range ctx.Args().Slice() {
		cmds = append(cmds, rcoder.Command{Text: text})
	}
	var opts []dispatch.BatchOption
	if ctx.Bool("pipelined") {
		opts = append(opts, dispatch.Pipelined())
	}

	batch, err := e.disp.ExecuteBatch(ctx.Context, e.profile, cmds, opts...)
	if err != nil {
		return err
	}
	for i := 0; i < batch.Len(); i++ {
		key, res := batch.At(i)
		fmt.Printf("--- [%d] %s\n", i+1, key.Command)
		printResult(res)
	}
	return nil
}

func runPing(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.reg.CloseAll()

	sess, err := e.reg.Acquire(ctx.Context, e.profile)
	if err != nil {
		return err
	}
	st, err := sess.Ping(ctx.Context)
	if err != nil {
		return err
	}
	fmt.Printf("host:   %s\n", st.Hostname)
	fmt.Printf("uptime: %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Printf("load:   %.2f\n", st.Load1)
	fmt.Printf("mem:    %.1f%%\n", st.MemUsedPct)
	fmt.Printf("disk:   %.1f%%\n", st.DiskUsedPct)
	return nil
}

func runMonitor(ctx *cli.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.reg.CloseAll()

	profiles := []rcoder.ServerProfile{e.profile}
	if ctx.Bool("all") {
		if profiles, err = e.cfg.Profiles(); err != nil {
			return err
		}
	}

	queue := rcoder.NewAlertQueue(rcoder.DefaultAlertCapacity)
	mon := monitor.New(e.reg, queue, monitor.WithLogger(e.log))
	for _, p := range profiles {
		if err := mon.Start(p); err != nil {
			return err
		}
	}
	defer mon.StopAll()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			return nil
		case <-ctx.Context.Done():
			return nil
		case <-ticker.C:
			for _, a := range queue.Drain() {
				fmt.Printf("%s [%s] %s: %s\n", a.Timestamp.Format(time.RFC3339), a.Severity, a.ServerName, a.Message)
			}
		}
	}
}

func printResult(res rcoder.Result) {
	if res.Stdout != "" {
		fmt.Print(res.Stdout)
		if !strings.HasSuffix(res.Stdout, "\n") {
			fmt.Println()
		}
	}
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
		if !strings.HasSuffix(res.Stderr, "\n") {
			fmt.Fprintln(os.Stderr)
		}
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", res.Err)
	}
	fmt.Printf("exit %d in %s\n", res.ExitCode, res.Duration.Round(time.Millisecond))
}
