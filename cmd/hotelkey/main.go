package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hotelkey/keyservice/internal/backup"
	"github.com/hotelkey/keyservice/internal/config"
	"github.com/hotelkey/keyservice/internal/database"
	"github.com/hotelkey/keyservice/internal/logging"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/push"
	"github.com/hotelkey/keyservice/internal/server"
	"github.com/hotelkey/keyservice/internal/store"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func main() {
	a := &app{}

	root := &cobra.Command{
		Use:           "hotelkey",
		Short:         "Digital room key service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.Setup(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("HOTELKEY_CONFIG"), "YAML config file (env HOTELKEY_CONFIG)")

	root.AddCommand(a.serveCmd(), a.sweepCmd(), a.migrateCmd(), a.seedCmd(), a.tokenCmd(), a.backupCmd(), vapidCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) openDB() (*sql.DB, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := database.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background updates and the expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := server.New(a.cfg, db, a.logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			srv.Start(ctx)

			httpServer := &http.Server{
				Addr:         a.cfg.Addr,
				Handler:      srv.Router(),
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("hotelkey listening", "addr", a.cfg.Addr, "public_url", a.cfg.PublicURL)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				if err != nil {
					srv.Stop()
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
			}

			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http shutdown", "error", err)
			}
			srv.Stop()
			return nil
		},
	}
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every key past its window once and update their passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			srv, err := server.New(a.cfg, db, a.logger)
			if err != nil {
				return err
			}
			n, ran := srv.SweepOnce(cmd.Context())
			if !ran {
				return errors.New("another sweep is running")
			}
			fmt.Printf("expired %d keys\n", n)
			return nil
		},
	}
}

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			db.Close()
			fmt.Println("migrations applied to", a.cfg.DBPath)
			return nil
		},
	}
}

func (a *app) seedCmd() *cobra.Command {
	var (
		nights int
		email  string
		lockID string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a demo hotel, room, guest and confirmed reservation",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			rs := store.NewReservationStore(db)
			hotel, err := rs.CreateHotel(ctx, model.Hotel{Name: a.cfg.Pass.OrganizationName, City: "Demo City", TimeZone: loc.String()})
			if err != nil {
				return err
			}
			room, err := rs.CreateRoom(ctx, model.Room{HotelID: hotel.ID, RoomNumber: "101", Floor: 1, RoomType: "double", LockID: lockID})
			if err != nil {
				return err
			}
			guest, err := rs.CreateGuest(ctx, model.Guest{Email: email, FirstName: "Demo", LastName: "Guest"})
			if err != nil {
				return err
			}
			today := time.Now().In(loc)
			checkIn := time.Date(today.Year(), today.Month(), today.Day(), 14, 0, 0, 0, loc)
			res, err := rs.CreateReservation(ctx, model.Reservation{
				GuestID:  guest.ID,
				RoomID:   room.ID,
				CheckIn:  checkIn,
				CheckOut: time.Date(today.Year(), today.Month(), today.Day()+nights, 11, 0, 0, 0, loc),
				Status:   model.ReservationConfirmed,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"hotel_id":       hotel.ID,
				"room_id":        room.ID,
				"lock_id":        room.LockID,
				"guest_id":       guest.ID,
				"reservation_id": res.ID,
			})
		},
	}
	cmd.Flags().IntVar(&nights, "nights", 2, "length of the stay")
	cmd.Flags().StringVar(&email, "email", "guest@example.com", "guest email address")
	cmd.Flags().StringVar(&lockID, "lock-id", "LOCK-101", "door lock identifier of the room")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage staff API tokens"}

	var name, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a staff token; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			plain, tok, err := store.NewStaffTokenStore(db).Create(cmd.Context(), name, role)
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\nrole:  %s\ntoken: %s\n", tok.ID, tok.Role, plain)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "who the token is for")
	create.Flags().StringVar(&role, "role", model.RoleStaff, "admin, staff or viewer")

	list := &cobra.Command{
		Use:   "list",
		Short: "List staff tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			tokens, err := store.NewStaffTokenStore(db).List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(tokens)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a staff token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.NewStaffTokenStore(db).Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("revoked", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func (a *app) backupManager(db *sql.DB) (*backup.Manager, error) {
	s3 := a.cfg.S3
	return backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  s3.Endpoint,
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Prefix:    s3.Prefix,
		},
		Passphrase: a.cfg.Backup.Passphrase,
	}, db, a.logger)
}

func (a *app) backupCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "backup", Short: "Encrypted database snapshots in S3"}

	run := &cobra.Command{
		Use:   "run",
		Short: "Upload a snapshot and prune those past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			m, err := a.backupManager(db)
			if err != nil {
				return err
			}
			key, err := m.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println("uploaded", key)
			if a.cfg.Backup.Retention > 0 {
				n, err := m.Prune(cmd.Context(), a.cfg.Backup.Retention)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d snapshots\n", n)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.backupManager(nil)
			if err != nil {
				return err
			}
			snaps, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(snaps)
		},
	}

	var to string
	restore := &cobra.Command{
		Use:   "restore <key>",
		Short: "Download a snapshot over the database file; stop the server first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.backupManager(nil)
			if err != nil {
				return err
			}
			dst := to
			if dst == "" {
				dst = a.cfg.DBPath
			}
			if err := m.Restore(cmd.Context(), args[0], dst); err != nil {
				return err
			}
			fmt.Println("restored", args[0], "to", dst)
			return nil
		},
	}
	restore.Flags().StringVar(&to, "to", "", "destination file (default: db_path)")

	cmd.AddCommand(run, list, restore)
	return cmd
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair for Web Push",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := push.GenerateVAPIDKeys()
			if err != nil {
				return err
			}
			fmt.Printf("HOTELKEY_VAPID_PUBLIC_KEY=%s\nHOTELKEY_VAPID_PRIVATE_KEY=%s\n", pub, priv)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
