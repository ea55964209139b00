package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rcoder/rcoder/agent"
	"github.com/rcoder/rcoder/auth"
	"github.com/rcoder/rcoder/relay"
)

func main() {
	app := &cli.App{
		Name:  "rcoder-agent",
		Usage: "the server-side daemon that executes remote commands",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the command execution agent.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address to listen on.",
						Value: "0.0.0.0:8443",
					},
					&cli.StringFlag{
						Name:     "host-key",
						Usage:    "The server's private key (base64-encoded seed).",
						Required: true,
						EnvVars:  []string{"RCODER_HOST_KEY"},
					},
					&cli.StringSliceFlag{
						Name:     "authorized-key",
						Usage:    "An authorized client as id=base64pubkey. Repeatable.",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "shell",
						Usage: "Shell binary used to run commands.",
						Value: "sh",
					},
				},
				Action: runServe,
			},
			{
				Name:  "relay",
				Usage: "Run a relay hop that tunnels connections onward.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address to listen on.",
						Value: "0.0.0.0:3128",
					},
				},
				Action: runRelay,
			},
			{
				Name:   "keygen",
				Usage:  "Generate a key pair and print it base64-encoded.",
				Action: runKeygen,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(ctx *cli.Context) error {
	logger, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	hostKey, err := parsePrivateKey(ctx.String("host-key"))
	if err != nil {
		return fmt.Errorf("parsing host key: %w", err)
	}
	authorized, err := parseAuthorizedKeys(ctx.StringSlice("authorized-key"))
	if err != nil {
		return err
	}

	verifier := auth.NewVerifier(hostKey, authorized, auth.WithVerifierLogger(logger))
	a := agent.New(verifier,
		agent.WithLogger(logger),
		agent.WithListenAddr(ctx.String("listen-addr")),
		agent.WithShell(ctx.String("shell")),
	)
	if err := a.Start(); err != nil {
		return err
	}
	waitForSignal()
	return a.Stop()
}

func runRelay(ctx *cli.Context) error {
	logger, err := buildLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	r := relay.New(ctx.String("listen-addr"), relay.WithLogger(logger))
	if err := r.Start(); err != nil {
		return err
	}
	waitForSignal()
	return r.Stop()
}

func runKeygen(ctx *cli.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Printf("private: %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	fmt.Printf("public:  %s\n", base64.StdEncoding.EncodeToString(pub))
	return nil
}

func buildLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

func parsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func parseAuthorizedKeys(entries []string) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(entries))
	for _, entry := range entries {
		id, encoded, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("authorized key %q must be id=base64pubkey", entry)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding public key for %q: %w", id, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("public key for %q must be %d bytes, got %d", id, ed25519.PublicKeySize, len(raw))
		}
		keys[id] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
