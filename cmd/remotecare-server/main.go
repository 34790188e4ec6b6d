package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/remotecare/remotecare/internal/config"
	"github.com/remotecare/remotecare/internal/domain/audit"
	"github.com/remotecare/remotecare/internal/domain/handling"
	"github.com/remotecare/remotecare/internal/domain/identity"
	"github.com/remotecare/remotecare/internal/domain/questionnaire"
	"github.com/remotecare/remotecare/internal/platform/auth"
	"github.com/remotecare/remotecare/internal/platform/crypto"
	"github.com/remotecare/remotecare/internal/platform/db"
	"github.com/remotecare/remotecare/internal/platform/middleware"
	"github.com/remotecare/remotecare/internal/platform/notification"
)

// diseaseLookup is the slice of the identity service the questionnaire
// adapter needs.
type diseaseLookup interface {
	DiseaseOf(ctx context.Context, patientID uuid.UUID) (string, error)
}

// patientDirectory adapts the identity service to the questionnaire's
// patient lookup, avoiding a circular import between the two domains.
type patientDirectory struct {
	svc diseaseLookup
}

func (d *patientDirectory) DiseaseOf(ctx context.Context, patientID uuid.UUID) (questionnaire.Disease, error) {
	disease, err := d.svc.DiseaseOf(ctx, patientID)
	if err != nil {
		return "", err
	}
	return questionnaire.Disease(disease), nil
}

// logEmailSender and logSMSSender are the default transports. They log the
// outbound message instead of delivering it; real gateways replace them via
// deployment-specific builds.
type logEmailSender struct {
	logger zerolog.Logger
}

func (s *logEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Int("body_len", len(body)).Msg("email out")
	return nil
}

type logSMSSender struct {
	logger zerolog.Logger
}

func (s *logSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("to", to).Int("body_len", len(body)).Msg("sms out")
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "remotecare-server",
		Short: "Remote care API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(bootstrapCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the remote care API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, pool, err := loadWithPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default from config)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, pool, err := loadWithPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default from config)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random 256-bit key, hex encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.NewKey()
			if err != nil {
				return err
			}
			fmt.Println(hex.EncodeToString(key))
			return nil
		},
	}
}

// bootstrapCmd creates the first hospital and its manager account so the API
// has a login to start from on a fresh database.
func bootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create an initial hospital and manager account",
		RunE: func(cmd *cobra.Command, args []string) error {
			hospitalName, _ := cmd.Flags().GetString("hospital")
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if hospitalName == "" || email == "" {
				return fmt.Errorf("--hospital and --email are required")
			}

			cfg, pool, err := loadWithPool(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()

			keys := identity.NewKeyRepoPG(pool)
			auditLog := audit.NewRepoPG(pool)
			rec := audit.NewRecorder(auditLog, keys, cfg.AuditEncryptSensitive)
			svc := identity.NewService(identity.NewUserRepoPG(pool), identity.NewHospitalRepoPG(pool), keys, rec, []byte(cfg.JWTSecret))

			ctx := cmd.Context()
			h := &identity.Hospital{Name: hospitalName}
			if err := svc.CreateHospital(ctx, h); err != nil {
				return err
			}
			u := &identity.User{
				HospitalID: h.ID,
				Role:       auth.RoleManager,
				Email:      email,
			}
			if err := svc.CreateUser(ctx, uuid.Nil, u, password); err != nil {
				return err
			}
			fmt.Printf("Created hospital %s and manager %s (%s)\n", h.ID, u.ID, u.Email)
			if password == "" {
				fmt.Println("A random password was generated; reset it via the users API.")
			}
			return nil
		},
	}
	cmd.Flags().String("hospital", "", "Hospital name")
	cmd.Flags().String("email", "", "Manager email address")
	cmd.Flags().String("password", "", "Manager password (random if omitted)")
	return cmd
}

func loadWithPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", db.HealthHandler(pool))

	// Public routes run before the JWT middleware; everything else is authed.
	public := e.Group("/api")
	api := e.Group("/api", auth.Middleware([]byte(cfg.JWTSecret)))

	// Shared plumbing
	keys := identity.NewKeyRepoPG(pool)
	auditLog := audit.NewRepoPG(pool)
	rec := audit.NewRecorder(auditLog, keys, cfg.AuditEncryptSensitive)

	// Identity
	identitySvc := identity.NewService(
		identity.NewUserRepoPG(pool),
		identity.NewHospitalRepoPG(pool),
		keys, rec, []byte(cfg.JWTSecret),
	)
	identity.NewHandler(identitySvc).RegisterRoutes(public, api)

	// Notifications
	notifyMgr := notification.NewManager(
		&logEmailSender{logger: logger},
		&logSMSSender{logger: logger},
		notification.NewTemplateEngine(),
	)
	dispatcher := notification.NewDispatcher(notifyMgr)
	notification.NewHandler(notifyMgr).RegisterRoutes(
		api.Group("", auth.RequireRole(auth.RoleSecretary, auth.RoleManager)))

	// Questionnaire
	requestRepo := questionnaire.NewRequestRepo(pool)
	stepRepo := questionnaire.NewStepRepo(pool)
	wizard := questionnaire.NewWizardStorage(pool)
	txRunner := questionnaire.NewTxRunner(pool)
	engine := questionnaire.NewEngine(requestRepo, stepRepo, wizard, identitySvc, rec, txRunner, dispatcher)
	controlSvc := questionnaire.NewService(
		requestRepo, stepRepo, wizard,
		&patientDirectory{svc: identitySvc},
		rec, txRunner, engine,
		questionnaire.Intervals{
			Routine: cfg.Interval("routine"),
			Urgent:  cfg.Interval("urgent"),
		},
	)
	questionnaire.NewHandler(controlSvc).RegisterRoutes(api)

	// Handling
	handlingSvc := handling.NewService(
		handling.NewRepo(pool), controlSvc,
		identitySvc, identitySvc, rec, dispatcher,
	)
	handling.NewHandler(handlingSvc).RegisterRoutes(api)

	// Audit trail
	audit.NewHandler(rec).RegisterRoutes(api)

	// Periodic sweep: close handled requests whose dispatch confirmation
	// never arrived, and enforce the raw retention bound when configured.
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				n, err := controlSvc.CloseOverdue(sweepCtx, uuid.Nil, cfg.CloseTimeout())
				if err != nil {
					logger.Error().Err(err).Msg("close sweep failed")
					continue
				}
				if n > 0 {
					logger.Info().Int("closed", n).Msg("closed overdue requests")
				}
				purged, err := controlSvc.PurgeStaleRaw(sweepCtx, cfg.RawRetention())
				if err != nil {
					logger.Error().Err(err).Msg("raw retention sweep failed")
					continue
				}
				if purged > 0 {
					logger.Info().Int("purged", purged).Msg("purged stale wizard blobs")
				}
			}
		}
	}()

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
