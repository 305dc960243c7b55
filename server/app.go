package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"droidpool/config"
	"droidpool/internal/auth"
	"droidpool/internal/db"
	"droidpool/internal/events"
	"droidpool/internal/fleet"
	"droidpool/internal/gateways"
	"droidpool/internal/health"
	"droidpool/internal/logs"
	"droidpool/internal/metrics"
	"droidpool/internal/middleware"
	"droidpool/internal/models"
	"droidpool/internal/policy"
	"droidpool/internal/reservations"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db     *gorm.DB
	met    *metrics.Set
	sink   *events.AsyncSink
	ctx    context.Context
	cancel context.CancelFunc

	resSweeper   *reservations.Sweeper
	fleetSweeper *fleet.Sweeper
	assocs       *gateways.Associations
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	a.db = d

	if err := a.db.AutoMigrate(
		&models.User{},
		&models.TargetDevice{},
		&models.Reservation{},
		&models.ReservationPolicy{},
		&models.TargetPolicy{},
		&models.UserPolicy{},
		&models.Gateway{},
		&models.GatewayAuditLog{},
		&models.TargetGatewayAssociation{},
	); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}
	if err := db.MigrateSerialUniqueIndex(a.db); err != nil {
		logs.Logger.Warnf("serial unique index migration: %v", err)
	}

	// 3) Метрики и шина событий
	a.met = metrics.New()
	a.sink = events.NewAsyncSink(&events.LogSink{L: logs.Logger}, a.cfg.Events.Buffer,
		func() { a.met.EventsDropped.Inc() })

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db)
	a.Router.Handle("/metrics", a.met.Handler()).Methods(http.MethodGet)

	// 5) Доменные компоненты
	fleetRepo := fleet.NewRepo(a.db)
	reconciler := fleet.NewReconciler(fleetRepo, a.sink, a.met)
	a.fleetSweeper = fleet.NewSweeper(fleetRepo, a.sink, a.met, a.cfg.Sweep.StaleMultiplier)

	gwRepo := gateways.NewRepo(a.db, a.sink)
	a.assocs = gateways.NewAssociations(a.db, gwRepo, a.sink, a.met)
	if a.cfg.Sweep.AssociationRecheck > 0 {
		a.assocs.Recheck = a.cfg.Sweep.AssociationRecheck
	}

	polRepo := policy.NewRepo(a.db)
	resolver := policy.NewResolver(polRepo)

	resRepo := reservations.NewRepo(a.db)
	admission := reservations.NewAdmission(resolver)
	manager := reservations.NewManager(a.db, resRepo, admission, resolver, a.sink, a.met)
	a.resSweeper = reservations.NewSweeper(a.db, resRepo, resolver, a.sink, a.met)

	tokens := auth.NewTokens(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)

	// 6) Агентский канал — общий секрет, вне JWT
	fleetHTTP := fleet.NewHTTP(fleetRepo, reconciler, a.fleetSweeper, a.sink, a.cfg.Agent.SharedSecret)
	fleetHTTP.RegisterAgentRoutes(a.Router)
	gwHTTP := gateways.NewHTTP(gwRepo, a.assocs, a.cfg.Agent.SharedSecret)
	gwHTTP.RegisterAgentRoutes(a.Router)

	// 7) Логин выдаёт JWT, тоже до Authenticator
	auth.NewHTTP(a.db, tokens).RegisterRoutes(a.Router)

	// 8) JWT-защищённый API
	api := a.Router.PathPrefix("/").Subrouter()
	authn := &middleware.Authenticator{Tokens: tokens}
	api.Use(authn.Middleware)

	fleetHTTP.RegisterRoutes(api)
	gwHTTP.RegisterRoutes(api)
	policy.NewHTTP(polRepo).RegisterRoutes(api)
	reservations.NewHTTP(resRepo, manager, admission, a.resSweeper).RegisterRoutes(api)

	a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

// sweepLoops — два независимых тикера: lease-истечение броней и
// staleness парка + зачистка ассоциаций. Каждая сущность обрабатывается
// в своей транзакции, обрыв посреди пакета безопасен.
func (a *App) sweepLoops() {
	expiry := a.cfg.Sweep.ExpiryInterval
	if expiry <= 0 {
		expiry = time.Minute
	}
	cleanup := a.cfg.Sweep.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}

	go func() {
		t := time.NewTicker(expiry)
		defer t.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-t.C:
				res := a.resSweeper.Sweep(time.Now().UTC())
				if res.Activated+res.Expired+res.Completed+res.Errors > 0 {
					logs.Logger.WithFields(map[string]any{
						"activated": res.Activated,
						"expired":   res.Expired,
						"completed": res.Completed,
						"errors":    res.Errors,
					}).Info("reservation sweep")
				}
			}
		}
	}()

	go func() {
		t := time.NewTicker(cleanup)
		defer t.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-t.C:
				now := time.Now().UTC()
				if n, err := a.fleetSweeper.SweepStale(now); err != nil {
					logs.Logger.WithError(err).Error("stale sweep failed")
				} else if n > 0 {
					logs.Logger.WithField("offline", n).Info("stale sweep")
				}
				if n, err := a.assocs.SweepHealth(now); err != nil {
					logs.Logger.WithError(err).Error("association health sweep failed")
				} else if n > 0 {
					logs.Logger.WithField("rechecked", n).Info("association health sweep")
				}
				if n, err := a.assocs.AutoCleanup(now, a.cfg.Sweep.AssociationInactivity); err != nil {
					logs.Logger.WithError(err).Error("association cleanup failed")
				} else if n > 0 {
					logs.Logger.WithField("cleaned", n).Info("association cleanup")
				}
			}
		}
	}()
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.sweepLoops()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	a.sink.Close()
	return nil
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
