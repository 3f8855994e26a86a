package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"library-server/api"
	"library-server/auth"
	"library-server/config"
	"library-server/library"
	"library-server/logger"
	"library-server/metrics"
	"library-server/pages"
)

var (
	envFiles []string
	dbDriver string
	dbDSN    string
)

// readPassword securely reads a password with masking
func readPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

// promptNewPassword asks twice and insists both entries match.
func promptNewPassword() (string, error) {
	password, err := readPassword("Password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	if dbDriver != "" {
		cfg.DBDriver = dbDriver
	}
	if dbDSN != "" {
		cfg.DBDSN = dbDSN
	}
	return cfg, nil
}

func openManager(cfg *config.Config, log logrus.FieldLogger) (*library.LibraryManager, error) {
	db, err := library.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return library.NewManager(db,
		library.WithLoanPeriod(cfg.LoanPeriod()),
		library.WithFineRate(cfg.FineDailyRateCents),
		library.WithLogger(log),
	), nil
}

// setup is shared by every command that touches the database.
func setup() (*config.Config, *logrus.Logger, *library.LibraryManager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}
	lib, err := openManager(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, lib, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "libraryd",
		Short:         "Library management server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load (default .env)")
	root.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "database driver: sqlite3, postgres or pgx (overrides DB_DRIVER)")
	root.PersistentFlags().StringVar(&dbDSN, "db-dsn", "", "database DSN or SQLite path (overrides DB_DSN)")

	root.AddCommand(newServeCmd(), newMigrateCmd(), newCreateAdminCmd(), newCreateLibrarianCmd(), newAssessFinesCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, lib, err := setup()
			if err != nil {
				return err
			}
			defer lib.Close()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log, lib)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	return cmd
}

func newRevoker(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (auth.Revoker, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, logouts are remembered in memory only")
		return auth.NewMemoryRevoker(), func() {}, nil
	}
	client, err := auth.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
	return auth.NewRedisRevoker(client), func() { client.Close() }, nil
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger, lib *library.LibraryManager) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	revoker, closeRevoker, err := newRevoker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRevoker()

	authn := auth.NewAuthenticator(lib, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), revoker, log, cfg.CookieSecure)
	site, err := pages.New(lib, authn, log)
	if err != nil {
		return err
	}
	router := api.NewServer(lib, authn, metrics.New(), log).Router()
	site.Mount(router)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.WithCORS(router, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"addr": cfg.ListenAddr, "driver": cfg.DBDriver}).Info("libraryd listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, lib, err := setup()
			if err != nil {
				return err
			}
			defer lib.Close()
			fmt.Printf("Schema is up to date (%s %s).\n", cfg.DBDriver, cfg.DBDSN)
			return nil
		},
	}
}

// identityFlags are the shared flags of the account-creating commands.
type identityFlags struct {
	username  string
	email     string
	firstName string
	lastName  string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.username, "username", "", "login name (required)")
	cmd.Flags().StringVar(&f.email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&f.firstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&f.lastName, "last-name", "", "last name")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")
}

func (f *identityFlags) input(password string) library.IdentityInput {
	return library.IdentityInput{
		Username:  &f.username,
		Password:  &password,
		Email:     &f.email,
		FirstName: &f.firstName,
		LastName:  &f.lastName,
	}
}

// printValidation lists field errors the way the forms show them.
func printValidation(err error) error {
	if v, ok := library.IsValidation(err); ok {
		for field, msgs := range v.Fields {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", field, strings.Join(msgs, " "))
		}
		return errors.New("invalid account details")
	}
	return err
}

func newCreateAdminCmd() *cobra.Command {
	var f identityFlags
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, lib, err := setup()
			if err != nil {
				return err
			}
			defer lib.Close()
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			ident, err := lib.CreateAdministrator(cmd.Context(), library.System(), f.input(password))
			if err != nil {
				return printValidation(err)
			}
			fmt.Printf("Administrator %q created with ID %d.\n", ident.Username, ident.ID)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newCreateLibrarianCmd() *cobra.Command {
	var f identityFlags
	cmd := &cobra.Command{
		Use:   "create-librarian",
		Short: "Create a librarian account",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, lib, err := setup()
			if err != nil {
				return err
			}
			defer lib.Close()
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			l, err := lib.CreateLibrarian(cmd.Context(), library.System(), f.input(password))
			if err != nil {
				return printValidation(err)
			}
			fmt.Printf("Librarian %q created with ID %d (staff code %s).\n", l.User.Username, l.ID, l.StaffCode)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newAssessFinesCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "assess-fines",
		Short: "Charge fines for overdue loans",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now()
			if asOf != "" {
				var err error
				if day, err = time.Parse(time.DateOnly, asOf); err != nil {
					return fmt.Errorf("invalid --as-of date %q, want YYYY-MM-DD", asOf)
				}
			}
			_, _, lib, err := setup()
			if err != nil {
				return err
			}
			defer lib.Close()
			res, err := lib.AssessOverdueFines(cmd.Context(), day)
			if err != nil {
				return err
			}
			fmt.Printf("Fines as of %s: %d created, %d repriced.\n", day.Format(time.DateOnly), res.Created, res.Repriced)
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "assessment date, YYYY-MM-DD (default today)")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
