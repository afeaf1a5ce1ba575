package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/config"
	"github.com/stanstork/beacon/internal/credential"
	"github.com/stanstork/beacon/internal/inbox"
	"github.com/stanstork/beacon/internal/models"
)

type options struct {
	configPath string
	once       bool
	sound      bool
	noPush     bool
	readAll    bool
	logout     bool
	verbose    bool
}

type tokenStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

type deps struct {
	out      io.Writer
	logger   zerolog.Logger
	store    tokenStore
	password string
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	if !opts.verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("Failed to read .env file")
	}

	d := deps{out: os.Stdout, logger: logger, password: os.Getenv("BEACON_PASSWORD")}
	if store, err := credential.Open(credential.DefaultServiceName, ""); err != nil {
		logger.Warn().Err(err).Msg("Keyring unavailable, tokens will not be saved")
	} else {
		d.store = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, d); err != nil {
		logger.Error().Err(err).Msg("inbox-watch failed")
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("inbox-watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to config file (default: ./config.yaml or ./config/config.yaml)")
	fs.BoolVar(&opts.once, "once", false, "poll once, print the inbox and exit")
	fs.BoolVar(&opts.sound, "sound", false, "ring the terminal bell for fresh notifications")
	fs.BoolVar(&opts.noPush, "no-push", false, "disable the push channel and rely on polling")
	fs.BoolVar(&opts.readAll, "read-all", false, "with --once, mark every notification read after printing")
	fs.BoolVar(&opts.logout, "logout", false, "forget the saved token for the configured server")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.readAll && !opts.once {
		fmt.Fprintln(stderr, "--read-all requires --once")
		return options{}, errors.New("--read-all requires --once")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, d deps) error {
	cfg, err := config.LoadClient(opts.configPath)
	if err != nil {
		return err
	}
	key := credential.TokenKey(cfg.Sync.BaseURL)
	if opts.logout {
		if d.store == nil {
			return nil
		}
		return d.store.Delete(key)
	}

	api := inbox.NewHTTPClient(cfg.Sync.BaseURL, nil)
	saved := ""
	if d.store != nil {
		saved, err = d.store.Get(key)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			d.logger.Warn().Err(err).Msg("Failed to read saved token")
		}
	}

	var login func(context.Context) (inbox.TokenResponse, error)
	if cfg.Sync.Email != "" && d.password != "" {
		login = func(ctx context.Context) (inbox.TokenResponse, error) {
			return api.Login(ctx, cfg.Sync.Email, d.password)
		}
	}
	tokens, err := inbox.NewJWTTokenSource(saved, api, inbox.TokenSourceOptions{
		Login: login,
		Persist: func(token string) {
			if d.store == nil {
				return
			}
			if err := d.store.Set(key, token); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to save token")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("no saved session for %s; set sync.email and BEACON_PASSWORD: %w", cfg.Sync.BaseURL, err)
	}

	w := newWatcher(d.out)
	session, err := inbox.NewSession(inbox.Options{
		API:    api,
		Tokens: tokens,
		Poll: inbox.PollerOptions{
			BaseInterval:     cfg.Sync.PollBaseInterval,
			MaxInterval:      cfg.Sync.PollMaxInterval,
			BackoffThreshold: cfg.Sync.PollBackoffThreshold,
			Jitter:           cfg.Sync.PollJitter,
			Limit:            cfg.Sync.PollLimit,
		},
		Guard: inbox.GuardOptions{
			Threshold: cfg.Sync.RefreshThreshold,
			Attempts:  cfg.Sync.RefreshAttempts,
		},
		FreshnessWindow: cfg.Sync.FreshnessWindow,
		MutationGrace:   cfg.Sync.MutationGrace,
		DisablePush:     opts.noPush || opts.once,
		PlayerFactory:   func() (inbox.Player, error) { return bellPlayer{out: d.out}, nil },
		OnUpdate:        w.onUpdate,
		OnStatus:        w.onStatus,
		OnArrival:       w.onArrival,
		Logger:          d.logger,
	})
	if err != nil {
		return err
	}
	if opts.sound {
		session.Unlock()
	}

	if opts.once {
		defer session.Close()
		if err := session.SyncOnce(ctx); err != nil {
			return err
		}
		if opts.readAll {
			if err := session.MarkAllRead(ctx); err != nil {
				return err
			}
		}
		w.summary(session.View())
		return nil
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	session.Close()
	return nil
}

// watcher renders session callbacks as terminal lines.
type watcher struct {
	mu       sync.Mutex
	out      io.Writer
	unread   int
	degraded bool
	push     inbox.ChannelState
}

func newWatcher(out io.Writer) *watcher {
	return &watcher{out: out, unread: -1}
}

func (w *watcher) onArrival(n models.Notification, _ inbox.SoundDecision) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, formatNotification(n))
}

func (w *watcher) onUpdate(v inbox.View) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if v.UnreadCount == w.unread {
		return
	}
	w.unread = v.UnreadCount
	fmt.Fprintf(w.out, "unread: %d\n", v.UnreadCount)
}

func (w *watcher) onStatus(st inbox.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st.Degraded != w.degraded {
		w.degraded = st.Degraded
		if st.Degraded {
			fmt.Fprintf(w.out, "notifications may be delayed: %s\n", st.LastError)
		} else {
			fmt.Fprintln(w.out, "notifications back in sync")
		}
	}
	if st.Push != w.push {
		w.push = st.Push
		if st.Push == inbox.ChannelSubscribed || st.Push == inbox.ChannelErrored {
			fmt.Fprintf(w.out, "push: %s\n", st.Push)
		}
	}
}

func (w *watcher) summary(v inbox.View) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, "%d notification(s), %d unread\n", len(v.Items), v.UnreadCount)
}

func formatNotification(n models.Notification) string {
	marker := "*"
	if n.IsRead {
		marker = " "
	}
	line := fmt.Sprintf("%s %s [%s] %s", marker, n.CreatedAt.Local().Format("Jan 02 15:04"), n.Kind, n.Title)
	if n.Message != "" {
		line += ": " + n.Message
	}
	return line
}

// bellPlayer rings the terminal bell.
type bellPlayer struct {
	out io.Writer
}

func (b bellPlayer) Play() error {
	_, err := io.WriteString(b.out, "\a")
	return err
}
