package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/harvest-orders/internal/circuitbreaker"
	"github.com/jogardn/harvest-orders/internal/config"
	"github.com/jogardn/harvest-orders/internal/events"
	"github.com/jogardn/harvest-orders/internal/lifecycle"
	"github.com/jogardn/harvest-orders/internal/notifications"
	"github.com/jogardn/harvest-orders/internal/orders"
	"github.com/jogardn/harvest-orders/internal/pricing"
	"github.com/jogardn/harvest-orders/internal/reconciler"
	"github.com/jogardn/harvest-orders/internal/redisx"
	"github.com/jogardn/harvest-orders/internal/session"
	"github.com/jogardn/harvest-orders/internal/store"
	"github.com/jogardn/harvest-orders/internal/websocket"
	"github.com/jogardn/harvest-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type orderStore interface {
	lifecycle.OrderStore
	ListOrders(ctx context.Context, actor models.Actor) ([]models.Order, error)
}

// app is the wired service. closers run in reverse order on shutdown.
type app struct {
	router   *mux.Router
	handler  http.Handler
	hub      *websocket.Hub
	sessions *session.Registry
	consumer *events.StockConsumer
	logger   *logrus.Logger
	closers  []func() error
}

func buildApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var pg *store.PostgresStore
	if cfg.NeedsPostgres() {
		pg, err = store.OpenPostgres(ctx, cfg.PostgresDSN(), logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
	}

	var repo orderStore = store.NewMemoryOrderStore()
	if cfg.OrderStore == config.BackendPostgres {
		repo = pg
	}

	var ns notifications.Store
	switch cfg.NotificationBackend {
	case config.BackendPostgres:
		ns = pg
	case config.BackendRedis:
		rdb := redisx.New(cfg.RedisAddr)
		a.closers = append(a.closers, rdb.Close)
		if err = redisx.Ping(ctx, rdb); err != nil {
			return nil, err
		}
		ns = redisx.NewNotificationStore(rdb)
	default:
		ns = store.NewMemoryNotificationStore()
	}

	a.hub = websocket.NewHub(logger)
	manager := notifications.NewManager(ns, logger)
	manager.SetListener(a.hub)

	machine := lifecycle.NewMachine(repo, logger)
	machine.SetNotifier(manager)

	dispatcher := session.NewDispatcher(manager, logger)
	dispatcher.SetAlertTrigger(a.hub)

	if cfg.KafkaBrokers != "" {
		var producer *events.Producer
		producer, err = events.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, producer.Close)
		machine.SetPublisher(producer)
		dispatcher.SetPublisher(producer)

		a.consumer, err = events.NewStockConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, events.NewStockAlerts(manager, logger), producer, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.consumer.Close)
	}

	var source reconciler.OrderSource = repo
	if cfg.OrderSourceURL != "" {
		source = orders.NewClient(cfg.OrderSourceURL, logger)
	}
	breakers := circuitbreaker.NewManager(cfg.Breaker(), logger)
	a.sessions = session.NewRegistry(source, dispatcher, cfg.Reconciler(), logger)
	a.sessions.SetBreakers(breakers)

	handler := orders.NewHandler(machine, repo, manager, pricing.NewEngine(cfg.MinOrderAmount, cfg.CurrencyPlaces), logger)
	handler.SetSessions(a.sessions)
	handler.SetBreakers(breakers)

	a.router = mux.NewRouter()
	handler.Register(a.router)
	a.router.HandleFunc("/ws", a.hub.HandleWebSocket)
	a.router.Use(loggingMiddleware(logger))
	// Preflight requests never match a route, so CORS wraps the router.
	a.handler = corsMiddleware()(a.router)
	return a, nil
}

// start launches the background loops owned by the app.
func (a *app) start(ctx context.Context) {
	go a.hub.Run(ctx)
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Start(ctx); err != nil {
				a.logger.WithError(err).Error("Stock consumer stopped")
			}
		}()
	}
}

func (a *app) close() {
	if a.sessions != nil {
		a.sessions.StopAll()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Error during shutdown")
		}
	}
	a.closers = nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"actor_id": r.Header.Get(orders.HeaderActorID),
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+orders.HeaderActorID+", "+orders.HeaderActorRole)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
