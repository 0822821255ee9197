package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amanlux/taskifii-core/internal/api"
	"github.com/amanlux/taskifii-core/internal/applicants"
	"github.com/amanlux/taskifii-core/internal/config"
	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/escrow"
	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/internal/lifecycle"
	"github.com/amanlux/taskifii-core/internal/scheduler"
	"github.com/amanlux/taskifii-core/pkg/models"
)

var dbPath string

func main() {
	flag.StringVar(&dbPath, "db-path", "", "Path to database file (overrides TASKIFII_DB_PATH)")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	cfg := config.Load()
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	var err error
	switch command {
	case "serve":
		err = runServe(cfg, args)
	case "init":
		err = runInit(cfg, args)
	case "status":
		err = runStatus(cfg, args)
	case "token":
		err = runToken(cfg, args)
	case "audit":
		err = runAudit(cfg, args)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: taskifii-core [flags] <command> [arguments]")
	fmt.Println("\nCommands:")
	fmt.Println("  serve     Run the settlement API and the deadline sweep")
	fmt.Println("  init      Create and initialize the database")
	fmt.Println("  status    Show task counts and settled fee volume")
	fmt.Println("  token     Mint a service token for the API")
	fmt.Println("  audit     Export the settlement audit trail")
	fmt.Println("\nFlags:")
	flag.PrintDefaults()
}

func runServe(cfg *config.Config, args []string) error {
	serveFlags := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := serveFlags.String("addr", cfg.APIAddr, "Address to listen on")
	if err := serveFlags.Parse(args); err != nil {
		return err
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.AuditPath != "" {
		store.EnableAutoAudit(cfg.AuditPath)
	}

	gw := gateway.New(cfg.GatewayURL, cfg.GatewaySecret)
	esc := escrow.NewManager(store, gw, cfg.PenaltyCapRatio)
	apps := applicants.NewManager(store, cfg.ConfirmWindow)
	ctrl := lifecycle.NewController(store, esc, apps, cfg)

	sched := scheduler.New(store, ctrl, cfg)
	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[sweep] stopped: %v", err)
		}
	}()

	srv := api.NewServer(store, ctrl, apps, cfg)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("taskifii-core listening on %s", *addr)
	if err := srv.Start(*addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runInit(cfg *config.Config, args []string) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	fmt.Printf("✓ Initialized database at %s\n", cfg.DBPath)

	if cfg.AuditPath != "" {
		if err := store.ExportAudit(ctx, cfg.AuditPath); err != nil {
			return fmt.Errorf("failed to write audit trail: %w", err)
		}
		fmt.Printf("✓ Wrote audit trail to %s\n", cfg.AuditPath)
	}

	fmt.Println("✓ Taskifii core initialized successfully")
	return nil
}

func runStatus(cfg *config.Config, args []string) error {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	counts, err := store.StatusCounts(ctx)
	if err != nil {
		return err
	}

	feeVolume, err := store.TotalFeeVolume(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	fmt.Println("Taskifii Settlement Status")
	fmt.Println("==========================")
	fmt.Printf("Total Tasks: %d\n", total)

	fmt.Println("\nTask Breakdown:")
	fmt.Printf("  Open:          %d\n", counts[models.TaskStatusOpen])
	fmt.Printf("  Taken:         %d\n", counts[models.TaskStatusTaken])
	fmt.Printf("  In Progress:   %d\n", counts[models.TaskStatusInProgress])
	fmt.Printf("  Pending Final: %d\n", counts[models.TaskStatusPendingFinal])
	fmt.Printf("  Completed:     %d\n", counts[models.TaskStatusCompleted])
	fmt.Printf("  Expired:       %d\n", counts[models.TaskStatusExpired])
	fmt.Printf("  Canceled:      %d\n", counts[models.TaskStatusCanceled])

	fmt.Printf("\nSettled Fee Volume: %s %s\n", feeVolume.StringFixed(2), cfg.Currency)

	openStatus := models.TaskStatusOpen
	open, err := store.ListTasks(ctx, &openStatus, nil)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		fmt.Println("\nOpen Offers:")
		for i, t := range open {
			if i >= 5 {
				break
			}
			fmt.Printf("  - %s  %s %s  (offer expires %s)\n",
				t.ID, t.Fee.StringFixed(2), t.Currency, t.OfferExpiry.Format(time.RFC3339))
		}
	}

	return nil
}

func runToken(cfg *config.Config, args []string) error {
	tokenFlags := flag.NewFlagSet("token", flag.ContinueOnError)
	service := tokenFlags.String("service", "bot", "Service name recorded as the token subject")
	ttl := tokenFlags.Duration("ttl", 30*24*time.Hour, "Token lifetime")
	if err := tokenFlags.Parse(args); err != nil {
		return err
	}

	if cfg.APISecret == "" {
		return fmt.Errorf("TASKIFII_API_SECRET is not set")
	}
	token, err := api.GenerateToken([]byte(cfg.APISecret), *service, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runAudit(cfg *config.Config, args []string) error {
	out := cfg.AuditPath
	if len(args) > 0 {
		out = args[0]
	}
	if out == "" {
		return fmt.Errorf("no output path given and TASKIFII_AUDIT_PATH is not set")
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.ExportAudit(ctx, out); err != nil {
		return err
	}
	fmt.Printf("✓ Exported audit trail to %s\n", out)
	return nil
}
