// Command envelope-send delivers envelope files to an ingestion endpoint.
//
//	envelope-send --dsn https://key@o1.ingest.example.com/42 event.envelope ...
//
// Each file is decoded first, so malformed files are reported without
// anything being sent. SENTRY_* variables supply defaults for the flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/zoobzio/hubz"
	"github.com/zoobzio/hubz/envelope"
	"github.com/zoobzio/hubz/transport"
)

var errNoDSN = errors.New("no DSN: pass --dsn or set SENTRY_DSN")

type config struct {
	dsn         string
	timeout     time.Duration
	sendTimeout time.Duration
	retries     int
	debug       bool
	files       []string
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "envelope-send:", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (config, error) {
	defaults, err := hubz.OptionsFromEnv()
	if err != nil {
		return config{}, err
	}

	var cfg config
	fs := pflag.NewFlagSet("envelope-send", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.dsn, "dsn", defaults.Dsn, "project DSN to deliver to")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "overall deadline for delivering every file")
	fs.DurationVar(&cfg.sendTimeout, "send-timeout", defaults.SendTimeout, "deadline for one delivery attempt")
	fs.IntVar(&cfg.retries, "retries", defaults.MaxRetries, "retries per envelope after the first attempt, 0 disables")
	fs.BoolVar(&cfg.debug, "debug", defaults.Debug, "log every delivery step")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: envelope-send [flags] FILE...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.files = fs.Args()
	if cfg.dsn == "" {
		return config{}, errNoDSN
	}
	if len(cfg.files) == 0 {
		return config{}, errors.New("no envelope files given")
	}
	return cfg, nil
}

func run(args []string, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	dsn, err := transport.ParseDSN(cfg.dsn)
	if err != nil {
		return err
	}

	envelopes := make([]*envelope.Envelope, 0, len(cfg.files))
	for _, path := range cfg.files {
		env, err := readEnvelope(path)
		if err != nil {
			return err
		}
		envelopes = append(envelopes, env)
	}

	logger := zap.NewNop()
	if cfg.debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()

	// The transport reads zero as its default and negative as none.
	retries := cfg.retries
	if retries <= 0 {
		retries = -1
	}

	sender := transport.NewHTTPSender(dsn, transport.HTTPOptions{
		Timeout: cfg.sendTimeout,
		Client:  hubz.ClientName,
	})
	tr := transport.New(sender, transport.Config{
		QueueSize:   len(envelopes),
		MaxRetries:  retries,
		SendTimeout: cfg.sendTimeout,
		Overflow:    transport.Block,
		Logger:      logger,
	})
	defer tr.Close()

	for _, env := range envelopes {
		tr.Send(env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	if !tr.Flush(ctx) {
		return fmt.Errorf("delivery did not finish within %v", cfg.timeout)
	}
	if dropped := tr.DroppedCount(); dropped > 0 {
		return fmt.Errorf("%d item(s) were not delivered", dropped)
	}

	logger.Info("Delivered envelopes", zap.Int("count", len(envelopes)))
	return nil
}

func readEnvelope(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}
