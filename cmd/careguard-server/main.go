package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/careguard/internal/config"
	"github.com/ehr/careguard/internal/domain/account"
	"github.com/ehr/careguard/internal/domain/patient"
	"github.com/ehr/careguard/internal/domain/scheduling"
	"github.com/ehr/careguard/internal/platform/db"
	"github.com/ehr/careguard/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "careguard-server",
		Short:        "Authorization and scheduling API for multi-tenant clinics",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tenantCmd(), userCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var adminTenant, adminEmail string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if adminEmail != "" {
				password := os.Getenv("ADMIN_PASSWORD")
				if password == "" {
					return fmt.Errorf("--admin-email needs ADMIN_PASSWORD in the environment")
				}
				if err := a.bootstrapAdmin(ctx, adminTenant, adminEmail, password); err != nil {
					return err
				}
			}

			e, err := a.router()
			if err != nil {
				return err
			}
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			return a.serve(e, stop)
		},
	}
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "Create this admin account on start if it does not exist")
	cmd.Flags().StringVar(&adminTenant, "admin-tenant", "default", "Tenant of the bootstrap admin")
	return cmd
}

// withPool runs fn against the configured database.
func withPool(ctx context.Context, fn func(cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 4})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.FS).Up(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-8s %-32s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, at := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Fprintf(w, "%-8d %-32s %-8s %s\n", s.Version, s.Name, status, at)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	var name string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				if err := db.EnsureTenant(cmd.Context(), pool, args[0], name); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s registered.\n", args[0])
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "Display name (defaults to the id)")

	hours := &cobra.Command{
		Use:   "hours <id>",
		Short: "Print a tenant's operating hours",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cal := scheduling.NewStaticCalendar()
			if cfg.CalendarFile != "" {
				if cal, err = scheduling.LoadCalendar(cfg.CalendarFile); err != nil {
					return err
				}
			}
			printHours(cmd.OutOrStdout(), cal.HoursFor(args[0]))
			return nil
		},
	}

	cmd.AddCommand(add, hours)
	return cmd
}

func printHours(w io.Writer, h scheduling.OperatingHours) {
	days := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday}
	for _, d := range days {
		win, ok := h[d]
		if !ok {
			fmt.Fprintf(w, "%-10s closed\n", d)
			continue
		}
		fmt.Fprintf(w, "%-10s %s\n", d, win)
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage login accounts",
	}

	var in account.NewAccount
	var patientID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account; the password is read from ACCOUNT_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Password = os.Getenv("ACCOUNT_PASSWORD")
			if in.Password == "" {
				return fmt.Errorf("ACCOUNT_PASSWORD must be set")
			}
			if patientID != "" {
				id, err := uuid.Parse(patientID)
				if err != nil {
					return fmt.Errorf("--patient-id: %w", err)
				}
				in.PatientID = &id
			}
			return withPool(cmd.Context(), func(_ *config.Config, pool *pgxpool.Pool) error {
				svc := account.NewService(account.NewRepoPG(pool), patient.NewRepoPG(pool))
				a, err := svc.CreateAccount(cmd.Context(), in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s account %s (%s) in tenant %s.\n", a.Role, a.ID, a.Email, a.TenantID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&in.TenantID, "tenant", "", "Tenant id")
	create.Flags().StringVar(&in.Email, "email", "", "Login email")
	create.Flags().StringVar(&in.Name, "name", "", "Display name")
	create.Flags().StringVar(&in.Role, "role", "", "admin, practitioner, trainee or patient")
	create.Flags().StringVar(&patientID, "patient-id", "", "Patient record linked to a patient account")
	for _, f := range []string{"tenant", "email", "role"} {
		_ = create.MarkFlagRequired(f)
	}

	cmd.AddCommand(create)
	return cmd
}
