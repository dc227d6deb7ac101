// Command mpsctl is the MPS alerts admin CLI.
//
// Usage:
//
//	mpsctl migrate
//	mpsctl users add --id 7 --name "Line lead" --role 2 --phone +966500000007
//	mpsctl alert submit --type machine --source extruder-3 --title "Motor overheating" --severity high --role 2
//	mpsctl alert resolve <alert-id> --by 7 --notes "Fan replaced"
//	mpsctl notify --title "Shift change" --message "Starts 15:00" --recipient-type role --recipient-id 2 --whatsapp
//	mpsctl sweep --min-age 2m
//	mpsctl token --user 7 --ttl 24h
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/modplast83/Modern-MPS--sub001/internal/alerts"
	"github.com/modplast83/Modern-MPS--sub001/internal/api"
	"github.com/modplast83/Modern-MPS--sub001/internal/config"
	"github.com/modplast83/Modern-MPS--sub001/internal/db"
	"github.com/modplast83/Modern-MPS--sub001/internal/engine"
	"github.com/modplast83/Modern-MPS--sub001/internal/notifications"
	"github.com/modplast83/Modern-MPS--sub001/internal/store"
	"github.com/modplast83/Modern-MPS--sub001/internal/store/sqlite"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:          "mpsctl",
		Short:        "MPS alerts and notifications admin CLI",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd())
	root.AddCommand(alertCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(usersCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// migrate command
// --------------------------------------------------------------------------

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			switch cfg.StoreDriver {
			case config.DriverPostgres:
				if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
					return err
				}
			case config.DriverSQLite:
				// Opening applies the schema.
				st, err := sqlite.Open(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				st.Close()
			}
			logger.Info("Schema applied", "driver", cfg.StoreDriver)
			return nil
		},
	}
}

// --------------------------------------------------------------------------
// alert commands
// --------------------------------------------------------------------------

func alertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Submit and manage alerts",
	}
	cmd.AddCommand(alertSubmitCmd())
	cmd.AddCommand(alertResolveCmd())
	cmd.AddCommand(alertDismissCmd())
	cmd.AddCommand(alertListCmd())
	return cmd
}

func alertSubmitCmd() *cobra.Command {
	var (
		ev           alerts.Event
		users, roles []string
		all          bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one condition event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Target = store.Audience{Users: users, Roles: roles, All: all}
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.Ingest.Submit(ctx, ev)
				if err != nil {
					return err
				}
				if err := deliverPending(ctx, eng); err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&ev.Type, "type", "", "Alert type (required)")
	cmd.Flags().StringVar(&ev.Category, "category", "", "Alert category")
	cmd.Flags().StringVar(&ev.Source, "source", "", "Reporting source")
	cmd.Flags().StringVar(&ev.SourceID, "source-id", "", "Source entity id")
	cmd.Flags().StringVar(&ev.Title, "title", "", "Title (required)")
	cmd.Flags().StringVar(&ev.Message, "message", "", "Message")
	cmd.Flags().StringVar(&ev.Severity, "severity", "medium", "low, medium, high or critical")
	cmd.Flags().StringSliceVar(&users, "user", nil, "Target user id (repeatable)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Target role id (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Target every active user")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("title")
	return cmd
}

func alertResolveCmd() *cobra.Command {
	var by, notes string
	cmd := &cobra.Command{
		Use:   "resolve <alert-id>",
		Short: "Resolve an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				a, err := eng.Ingest.Resolve(ctx, args[0], by, notes)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "mpsctl", "Acting user id")
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	return cmd
}

func alertDismissCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "dismiss <alert-id>",
		Short: "Dismiss an active alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				a, err := eng.Ingest.Dismiss(ctx, args[0], by)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "mpsctl", "Acting user id")
	return cmd
}

func alertListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				list, err := eng.Ingest.List(ctx, store.AlertFilter{
					Status: store.AlertStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printJSON(list)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "active", "active, resolved, dismissed or empty for all")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

// --------------------------------------------------------------------------
// notify command
// --------------------------------------------------------------------------

func notifyCmd() *cobra.Command {
	var (
		req           notifications.Request
		recipientType string
		recipientID   string
		priority      string
	)
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Create a system notification for a user, a role or everyone",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := notifications.ParseRecipientKind(recipientType)
			if err != nil {
				return err
			}
			req.Recipients = []notifications.Recipient{{Kind: kind, ID: recipientID}}
			req.Priority = store.Priority(priority)

			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				created, err := eng.Router.Create(ctx, req)
				if err != nil {
					return err
				}
				logger.Info("Notifications created", "count", len(created))
				return deliverPending(ctx, eng)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "Title (required)")
	cmd.Flags().StringVar(&req.Message, "message", "", "Message (required)")
	cmd.Flags().StringVar(&req.Type, "type", "system", "Notification type")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or urgent")
	cmd.Flags().StringVar(&recipientType, "recipient-type", "all", "user, role or all")
	cmd.Flags().StringVar(&recipientID, "recipient-id", "", "User or role id")
	cmd.Flags().BoolVar(&req.External, "whatsapp", false, "Also send over WhatsApp")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("message")
	return cmd
}

// --------------------------------------------------------------------------
// users command
// --------------------------------------------------------------------------

func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the recipient directory",
	}

	var u store.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u.Active = true
			u.CreatedAt = time.Now().UTC()
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Store.UpsertUser(ctx, u); err != nil {
					return err
				}
				logger.Info("User saved", "user_id", u.ID, "role_id", u.RoleID)
				return nil
			})
		},
	}
	add.Flags().StringVar(&u.ID, "id", "", "User id (required)")
	add.Flags().StringVar(&u.DisplayName, "name", "", "Display name")
	add.Flags().StringVar(&u.RoleID, "role", "", "Role id")
	add.Flags().StringVar(&u.Phone, "phone", "", "WhatsApp number in international format")
	add.MarkFlagRequired("id")

	cmd.AddCommand(add)
	return cmd
}

// --------------------------------------------------------------------------
// sweep command
// --------------------------------------------------------------------------

func sweepCmd() *cobra.Command {
	var (
		minAge time.Duration
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deliver pending WhatsApp notifications now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(func(ctx context.Context, eng *engine.Engine) error {
				if eng.Dispatcher == nil {
					return fmt.Errorf("no WhatsApp provider configured")
				}
				start := time.Now()
				n, err := eng.Dispatcher.DeliverStale(ctx, minAge, limit)
				if err != nil {
					return err
				}
				logger.Info("Sweep finished", "delivered", n, "duration", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 2*time.Minute, "Only rows older than this")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	return cmd
}

// --------------------------------------------------------------------------
// token command
// --------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	var (
		userID, roleID string
		ttl            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			token, err := api.GenerateToken(cfg.JWTSecret, userID, roleID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id (required)")
	cmd.Flags().StringVar(&roleID, "role", "", "Role id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.MarkFlagRequired("user")
	return cmd
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func runEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	return fn(ctx, eng)
}

// deliverPending sends the external rows a command just created. The CLI
// runs no dispatch workers, so it delivers synchronously.
func deliverPending(ctx context.Context, eng *engine.Engine) error {
	if eng.Dispatcher == nil {
		return nil
	}
	n, err := eng.Dispatcher.DeliverStale(ctx, 0, 100)
	if err != nil {
		return fmt.Errorf("deliver pending: %w", err)
	}
	if n > 0 {
		logger.Info("WhatsApp messages delivered", "count", n)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
