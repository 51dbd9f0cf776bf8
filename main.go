package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/dialog/config"
	"github.com/gosuda/dialog/session"
	"github.com/gosuda/dialog/store"
)

var rootCmd = &cobra.Command{
	Use:               "dialog",
	Short:             "Subtitle display: live log of the lines playing on the relay",
	PersistentPreRunE: loadConfig,
	RunE:              runDisplay,
	SilenceUsage:      true,
}

var (
	flagConfig    string
	flagServerURL string
	flagPort      int
	flagDataPath  string
	flagLogLevel  string

	cfg *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", "", "config file (default ~/.config/dialog/config.toml)")
	flags.StringVar(&flagServerURL, "server-url", "", "relay websocket URL")
	flags.IntVar(&flagPort, "port", 0, "local display HTTP port")
	flags.StringVar(&flagDataPath, "data-path", "", "directory holding the subtitle store")
	flags.StringVar(&flagLogLevel, "log-level", "", "trace, debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute dialog command")
	}
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server-url") {
		c.ServerURL = flagServerURL
	}
	if flags.Changed("port") {
		c.HTTPPort = flagPort
	}
	if flags.Changed("data-path") {
		c.DataPath = flagDataPath
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if err := c.Normalize(); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	setupLogger(c.LogLevel)
	cfg = c
	return nil
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	fd := os.Stderr.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// openData locks the data directory and opens the store in it. The returned
// function releases both.
func openData(c *config.Config) (*store.Pebble, func(), error) {
	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(c.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("another dialog instance is using %s", c.DataPath)
	}
	st, err := store.Open(c.StorePath())
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}
	release := func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("[dialog] store close error")
		}
		_ = lock.Unlock()
	}
	return st, release, nil
}

func runDisplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, release, err := openData(cfg)
	if err != nil {
		return err
	}
	defer release()

	sess, err := session.New(session.Options{
		URL:         cfg.ServerURL,
		Store:       st,
		Interval:    cfg.ReconnectInterval(),
		MaxAttempts: cfg.MaxReconnectAttempts,
		Debounce:    cfg.Debounce(),
		DedupWindow: cfg.DedupWindowSeconds,
	})
	if err != nil {
		return err
	}

	hub := newDisplayHub()
	if _, err := sess.Subscribe(hub.publish); err != nil {
		return err
	}

	httpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTPPort))
	if err != nil {
		sess.Close()
		return fmt.Errorf("listen display: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           newHandler(sess, st, hub),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if err := sess.Start(); err != nil {
		return err
	}
	log.Info().Str("relay", cfg.ServerURL).Str("addr", httpLn.Addr().String()).Msg("[dialog] display running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("display http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("[dialog] shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("[dialog] http server shutdown error")
		}
		sess.Close()
		hub.close()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("[dialog] shutdown complete")
	return err
}
