package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smarttransit/seat-booking-backend/internal/config"
	"github.com/smarttransit/seat-booking-backend/internal/database"
	"github.com/smarttransit/seat-booking-backend/internal/services"
)

// reconcile runs one lock, payment and orphan sweep against the database
// and exits. Useful after an outage or when the in-process scheduler is
// disabled.
func main() {
	var dbURLFlag string
	var timeout time.Duration
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "Abort the sweep after this long")
	flag.Parse()

	if dbURLFlag != "" {
		os.Setenv("DATABASE_URL", dbURLFlag)
	}

	// config.Load reads .env from the working directory when present
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	// Minimal pool; this is a one-shot job
	cfg.Database.MaxConnections = 5
	cfg.Database.MaxIdleConnections = 2

	db, err := database.NewConnection(cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	seatRepo := database.NewSeatRepository(db.DB)
	sessionRepo := database.NewPaymentSessionRepository(db.DB)
	bookingRepo := database.NewBookingRepository(db.DB)
	tripRepo := database.NewTripRepository(db.DB)
	taskRepo := database.NewReconciliationTaskRepository(db.DB)
	auditRepo := database.NewPaymentAuditRepository(db.DB, logger)
	notifier := services.NewLogNotifier(logger)
	rateLimiter := services.NewRateLimitService(db, cfg.RateLimit)

	seatLocks := services.NewSeatLockService(seatRepo, sessionRepo, cfg.Booking.LockDuration, logger)
	finalizer := services.NewBookingFinalizer(bookingRepo, tripRepo, sessionRepo, auditRepo, notifier, logger)
	payments := services.NewPaymentSessionService(
		sessionRepo,
		seatRepo,
		bookingRepo,
		taskRepo,
		auditRepo,
		services.NewMpesaGateway(cfg.Mpesa, logger),
		rateLimiter,
		finalizer,
		notifier,
		services.NewPaymentSessionConfig(cfg.Booking, cfg.Reconcile),
		logger,
	)
	scheduler := services.NewReconciliationScheduler(seatLocks, payments, finalizer, taskRepo, rateLimiter, cfg.Reconcile, logger)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Println("Connected to database. Running reconciliation sweep...")
	report, err := scheduler.RunOnce(ctx)
	if err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	fmt.Printf("Locks released:    %d\n", report.LocksReleased)
	fmt.Printf("Payments expired:  %d\n", report.PaymentsExpired)
	fmt.Printf("Orphans recovered: %d\n", report.OrphansRecovered)
	fmt.Printf("Took:              %s\n", report.Duration.Round(time.Millisecond))

	// Post-run state, for eyeballing what is still in flight
	checks := []struct {
		label string
		query string
	}{
		{"seats locked", "SELECT COUNT(*) FROM trip_seats WHERE locked_by IS NOT NULL"},
		{"payments in flight", "SELECT COUNT(*) FROM payment_sessions WHERE status IN ('pending', 'stk_pushed', 'processing')"},
		{"payments needing refund", "SELECT COUNT(*) FROM payment_sessions WHERE status = 'refund_required'"},
		{"tasks queued", "SELECT COUNT(*) FROM reconciliation_tasks WHERE status IN ('new', 'processing')"},
		{"tasks failed", "SELECT COUNT(*) FROM reconciliation_tasks WHERE status = 'failed'"},
	}

	fmt.Println("Post-run counts:")
	for _, check := range checks {
		var count int
		if err := db.QueryRowContext(ctx, check.query).Scan(&count); err != nil {
			fmt.Printf("  %s: error: %v\n", check.label, err)
			continue
		}
		fmt.Printf("  %s: %d\n", check.label, count)
	}
}
