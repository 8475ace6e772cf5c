package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qsn/leech/internal/config"
	"github.com/qsn/leech/internal/logging"
	"github.com/qsn/leech/internal/meta"
	"github.com/qsn/leech/internal/torrent"
)

func main() {
	verbose := flag.Bool("v", false, "verbose logging")
	flag.BoolVar(verbose, "verbose", false, "verbose logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	setupLogger(*verbose)

	if err := run(flag.Arg(0)); err != nil {
		slog.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	m, err := meta.ParseMetainfo(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	cfg := config.Load()

	t, err := torrent.New(m, cfg.DefaultDownloadDir, slog.Default())
	if err != nil {
		return fmt.Errorf("create torrent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		slog.Info("received signal, shutting down", "signal", s.String())
		cancel()
	}()

	return t.Run(ctx)
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
