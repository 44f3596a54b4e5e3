package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/taghelper/internal/coord"
	"github.com/abelbrown/taghelper/internal/fetch"
	"github.com/abelbrown/taghelper/internal/logging"
	"github.com/abelbrown/taghelper/internal/mastodon"
	"github.com/abelbrown/taghelper/internal/otel"
	"github.com/abelbrown/taghelper/internal/store"
)

// fetchTimeout bounds a single timeline request.
const fetchTimeout = 30 * time.Second

var errNoToken = errors.New("no access token configured: set access_token or TAGHELPER_ACCESS_TOKEN")

func runLoop(cmd *cobra.Command, args []string) error {
	loader, snap, err := loadConfig(args)
	if err != nil {
		return err
	}

	console := logging.New(os.Stderr, logging.FromFlags(flagQuiet, flagSilent, flagVerbose))

	eventPath := snap.Resolve(snap.EventLog)
	if err := os.MkdirAll(filepath.Dir(eventPath), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	eventFile, err := os.OpenFile(eventPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer eventFile.Close()

	logger := otel.NewLogger(eventFile)
	defer logger.Close()
	logger.SetConsole(console)

	persister, err := store.Open(snap.Resolve(snap.SeenFile))
	if err != nil {
		return fmt.Errorf("opening seen store: %w", err)
	}
	seen := store.NewSeen(persister)
	defer seen.Close()

	client := mastodon.NewClient(mastodon.Options{
		Instance:          snap.Instance,
		AccessToken:       snap.AccessToken,
		UserAgent:         snap.ClientUserAgent(),
		RequestsPerSecond: snap.RequestsPerSecond,
	})
	if !client.Available() {
		return errNoToken
	}

	fetcher := fetch.NewFetcher(fetch.Options{
		Timeout:           fetchTimeout,
		UserAgent:         snap.ClientUserAgent(),
		RequestsPerSecond: snap.RequestsPerSecond,
		Logger:            logger,
	})

	opts := coord.Options{
		Once:     flagOneshot,
		Announce: !flagNoToots,
		NoPace:   flagNoPace,
		Logger:   logger,
	}
	if cmd.Flags().Changed("seed") {
		opts.Rand = rand.New(rand.NewSource(flagSeed))
	}

	c, err := coord.New(loader, snap, fetcher, client, client, seen, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.Info("starting", "instance", snap.Instance, "config", loader.Paths(),
		"seen", snap.Resolve(snap.SeenFile), "events", eventPath, "oneshot", flagOneshot)
	if err := c.Run(ctx); err != nil {
		logger.Error(otel.KindError, "main", err)
		return err
	}
	return nil
}
