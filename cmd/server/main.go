package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/trip-booking/internal/clock"
	"github.com/iliyamo/trip-booking/internal/config"
	"github.com/iliyamo/trip-booking/internal/database"
	"github.com/iliyamo/trip-booking/internal/gateway"
	"github.com/iliyamo/trip-booking/internal/handler"
	"github.com/iliyamo/trip-booking/internal/middleware"
	"github.com/iliyamo/trip-booking/internal/model"
	"github.com/iliyamo/trip-booking/internal/queue"
	"github.com/iliyamo/trip-booking/internal/repository"
	"github.com/iliyamo/trip-booking/internal/router"
	"github.com/iliyamo/trip-booking/internal/service"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	logger := config.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User:     cfg.DBUser,
		Password: cfg.DBPass,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
	})
	if err != nil {
		logger.WithError(err).Fatal("open database")
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		logger.WithError(err).Fatal("apply migrations")
	}

	rdb := config.NewRedisClient(logger)
	if rdb != nil {
		defer rdb.Close()
	}

	// Repositories share one *sql.DB, so a transaction opened by any of
	// them is joined by the others through the context.
	seatLocks := repository.NewSeatLockRepo(db)
	trips := repository.NewTripRepo(db)
	bookings := repository.NewBookingRepo(db)
	payments := repository.NewPaymentRepo(db)
	tickets := repository.NewTicketRepo(db)
	outbox := repository.NewOutboxRepo(db)
	promoCfg := config.LoadPromotionCacheConfig()
	var promos service.PromotionStore = repository.NewPromotionRepo(db)
	if promoCfg.Enabled && rdb != nil {
		promos = repository.NewCachedPromotionRepo(promos, rdb, promoCfg.TTL, promoCfg.Prefix)
	}

	gateways := buildGateways(cfg.Gateway, logger)

	opts := []service.Option{
		service.WithClock(clock.NewSystem()),
		service.WithLogger(logger),
		service.WithRetryPolicy(service.RetryPolicyFrom(cfg.Booking.TransientMaxAttempts, cfg.Booking.TransientBaseBackoff)),
	}
	lockMgr := service.NewSeatLockManager(seatLocks, opts...)
	evaluator := service.NewPromotionEvaluator(promos, opts...)
	orchestrator := service.NewBookingOrchestrator(bookings, payments, outbox, trips, lockMgr, evaluator,
		service.NewPricingEngine(), gateways, service.BookingConfig{
			LockTTL:       cfg.Booking.SeatLockTTL,
			DefaultMethod: model.PaymentMethod(cfg.Booking.DefaultMethod),
		}, opts...)
	issuer := service.NewTicketIssuer(tickets, bookings, trips, cfg.Booking.TicketQRSecret, opts...)
	reconciler := service.NewPaymentReconciler(bookings, payments, outbox, lockMgr, issuer, gateways, opts...)

	publisher := queue.NewPublisher(cfg.AMQPURL, cfg.EventsQueue, logger)
	defer publisher.Close()
	drainer := service.NewOutboxPublisher(outbox, publisher, opts...)

	sweeper, err := service.NewSweeper(orchestrator, lockMgr, drainer, reconciler, service.SweeperConfig{
		SweepEvery:  cfg.Booking.SweepEvery,
		DrainEvery:  cfg.Booking.OutboxDrainEvery,
		OutboxBatch: cfg.Booking.OutboxBatch,
		PollMethods: pollMethods(gateways),
		PollEvery:   cfg.Booking.PaymentPollEvery,
		PollMinAge:  cfg.Booking.PaymentPollMinAge,
		PollMaxAge:  cfg.Booking.PaymentPollMaxAge,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("schedule background jobs")
	}
	sweeper.Start()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := queue.StartBookingEventConsumer(ctx, cfg.AMQPURL, cfg.EventsQueue, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("booking event consumer stopped")
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewRequestValidator()
	e.Use(middleware.RequestLogger(logger))

	router.RegisterRoutes(e, db)
	router.RegisterWebhooks(e, handler.NewWebhookHandler(reconciler))
	router.RegisterBookings(e, handler.NewBookingHandler(orchestrator, reconciler), cfg.JWTSecret,
		middleware.RateLimit(config.LoadRateLimitConfig(), rdb, logger, nil))
	router.RegisterTickets(e, handler.NewTicketHandler(issuer), cfg.JWTSecret)
	if !router.RegisterAdmin(e, handler.NewAdminHandler(orchestrator, reconciler), cfg.JWTSecret) {
		logger.Warn("JWT_SECRET unset; admin endpoints disabled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if err := sweeper.Shutdown(); err != nil {
		logger.WithError(err).Warn("scheduler shutdown")
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
	}
}

// buildGateways registers the adapters whose credentials are configured.
// Generic JSON webhooks are always accepted for the wallet providers.
// pollMethods lists the payment methods whose gateway answers status
// lookups.
func pollMethods(reg *gateway.Registry) []model.PaymentMethod {
	var out []model.PaymentMethod
	for _, m := range []model.PaymentMethod{model.MethodVNPay, model.MethodMoMo, model.MethodZaloPay, model.MethodStripe} {
		if _, ok := reg.Querier(m); ok {
			out = append(out, m)
		}
	}
	return out
}

func buildGateways(cfg config.GatewayConfig, logger logrus.FieldLogger) *gateway.Registry {
	reg := gateway.NewRegistry()

	if cfg.VNPayTmnCode != "" && cfg.VNPayHashSecret != "" {
		vnp := gateway.NewVNPay(gateway.VNPayConfig{
			TmnCode:    cfg.VNPayTmnCode,
			HashSecret: cfg.VNPayHashSecret,
			PayURL:     cfg.VNPayPayURL,
			APIURL:     cfg.VNPayAPIURL,
			ReturnURL:  cfg.VNPayReturnURL,
			Currency:   cfg.Currency,
		}, nil)
		reg.AddProvider(vnp.Name(), vnp)
		reg.AddMethod(model.MethodVNPay, vnp, vnp)
		reg.AddQuerier(model.MethodVNPay, vnp)
	} else {
		logger.Warn("VNPay credentials missing; VNPay disabled")
	}

	if cfg.StripeWebhookSecret != "" {
		st := gateway.NewStripe(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.Currency)
		reg.AddProvider(st.Name(), st)
		if cfg.StripeAPIKey != "" {
			reg.AddMethod(model.MethodStripe, st, st)
		}
	}

	if cfg.MoMoSecretKey != "" {
		momo := gateway.NewMoMo(cfg.MoMoAccessKey, cfg.MoMoSecretKey)
		reg.AddProvider(momo.Name(), momo)
		reg.AddMethod(model.MethodMoMo, nil, momo)
	} else {
		logger.Warn("MoMo secret key missing; MoMo webhooks disabled")
	}

	if cfg.ZaloPayKey2 != "" {
		zp := gateway.NewZaloPay(cfg.ZaloPayAppID, cfg.ZaloPayKey2)
		reg.AddProvider(zp.Name(), zp)
		reg.AddMethod(model.MethodZaloPay, nil, zp)
	} else {
		logger.Warn("ZaloPay key2 missing; ZaloPay webhooks disabled")
	}

	if cfg.GenericWebhookSecret != "" {
		reg.AddProvider("generic", gateway.NewGeneric("generic", cfg.GenericWebhookSecret))
	}
	return reg
}
