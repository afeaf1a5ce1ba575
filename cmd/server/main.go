package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/stanstork/beacon/internal/authz"
	"github.com/stanstork/beacon/internal/config"
	"github.com/stanstork/beacon/internal/handlers"
	"github.com/stanstork/beacon/internal/middleware"
	"github.com/stanstork/beacon/internal/migration"
	"github.com/stanstork/beacon/internal/models"
	"github.com/stanstork/beacon/internal/notification"
	"github.com/stanstork/beacon/internal/realtime"
	"github.com/stanstork/beacon/internal/repository"
	"github.com/stanstork/beacon/internal/routes"
	"github.com/stanstork/beacon/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config        *config.Config
	db            *sql.DB
	logger        zerolog.Logger
	hub           *realtime.Hub
	notifications notification.Service
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	goose.SetLogger(migration.NewGooseAdapter(logger))

	// A local .env is optional; it only seeds BEACON_* variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("Failed to read .env file")
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	if err := migration.RunMigrations(cfg.DatabaseURL, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	if len(os.Args) > 1 && os.Args[1] == "create-user" {
		if err := createUser(db, os.Args[2:], logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create user")
		}
		return
	}

	hub := realtime.NewHub(cfg.Realtime.SubscriberBuffer, logger)
	defer hub.Close()

	// In inproc mode the service feeds the hub directly; otherwise the
	// Postgres listener does, which also covers writes from other processes.
	var notifiers []notification.Notifier
	if cfg.Realtime.Source == config.RealtimeSourceInProc {
		notifiers = append(notifiers, hub)
	}
	notificationRepo := repository.NewNotificationRepository(db)
	notificationService := notification.NewService(notificationRepo, logger, notifiers...)

	app := &application{
		config:        cfg,
		db:            db,
		logger:        logger,
		hub:           hub,
		notifications: notificationService,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var background sync.WaitGroup
	app.startBackground(ctx, &background, notificationRepo)

	// Initialize the HTTP router and middleware.
	router := app.initRouter()
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.CORSOrigins),
		h.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(corsHandler, logger)

	cancel()
	background.Wait()
	logger.Info().Msg("Application terminated.")
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter() http.Handler {
	tokens := authz.NewTokenIssuer(app.config.JWTSecret, app.config.Auth.TokenTTL)
	userRepo := repository.NewUserRepository(app.db)

	authHandler := handlers.NewAuthHandler(userRepo, tokens, app.logger)
	notificationHandler := handlers.NewNotificationHandler(
		app.notifications,
		app.hub,
		app.config.Realtime.PingInterval,
		originPatterns(app.config.CORSOrigins),
		app.logger,
	)

	return routes.NewRouter(authHandler, notificationHandler)
}

func (app *application) startBackground(ctx context.Context, wg *sync.WaitGroup, repo repository.NotificationRepository) {
	if app.config.Realtime.Source == config.RealtimeSourcePostgres {
		listener := realtime.NewListener(app.config.DatabaseURL, repo, app.hub, app.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				app.logger.Error().Err(err).Msg("Notification listener exited")
			}
		}()
	}

	if !app.config.Retention.Enabled {
		return
	}
	sweeper, err := worker.NewWorker(worker.WorkerConfig{
		Repo:        repo,
		Interval:    app.config.Retention.Interval,
		ReadAfter:   app.config.Retention.ReadAfter,
		UnreadAfter: app.config.Retention.UnreadAfter,
		Logger:      app.logger,
	})
	if err != nil {
		app.logger.Fatal().Err(err).Msg("Invalid retention settings")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sweeper.Start(ctx)
	}()
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler, logger zerolog.Logger) {
	server := &http.Server{
		Addr:    ":" + app.config.ServerPort,
		Handler: handler,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Websocket streams are hijacked and not tracked by Shutdown.
	app.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}
}

func createUser(db *sql.DB, args []string, logger zerolog.Logger) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	email := fs.String("email", "", "login email")
	password := fs.String("password", "", "initial password")
	name := fs.String("name", "", "display name")
	role := fs.String("role", string(models.RoleMember), "member or admin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("--email and --password are required")
	}

	user, err := repository.NewUserRepository(db).CreateUser(context.Background(), *email, *password, *name, models.UserRole(*role))
	if err != nil {
		return err
	}
	logger.Info().Str("user_id", user.ID).Str("email", user.Email).Str("role", string(user.Role)).Msg("User created")
	return nil
}

// originPatterns turns CORS origins into host patterns for the websocket origin check.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		patterns = append(patterns, origin)
	}
	return patterns
}
