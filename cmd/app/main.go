package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"acs/pkg/api"
	"acs/pkg/callback"
	"acs/pkg/config"
	"acs/pkg/connreq"
	"acs/pkg/cwmp"
	"acs/pkg/database"
	"acs/pkg/deviceop"
	"acs/pkg/health"
	"acs/pkg/models"
	"acs/pkg/persistence"
	"acs/pkg/queue"
	"acs/pkg/session"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ══════════════════════════════════════════════════════════════
	// STRUCTURED LOGGING
	// ══════════════════════════════════════════════════════════════
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ══════════════════════════════════════════════════════════════
	// CONFIGURATION
	// ══════════════════════════════════════════════════════════════
	conf, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Config loaded", "node", conf.NodeName, "shards", conf.SessionShards, "queue_backend", conf.ExternalQueueBackend)

	auth := api.Auth(conf)

	// ══════════════════════════════════════════════════════════════
	// DATABASE
	// ══════════════════════════════════════════════════════════════
	db, err := database.Connect(conf)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}

	devices := database.NewDeviceStore(db, conf.EncryptionKey)
	operations := database.NewOperationStore(db)
	sessionRecords := database.NewSessionStore(db)

	// External Queue and conn-req state are the cross-process sync points.
	// The memory backend is for a single node only.
	var (
		extQueue     queue.Queue
		connReqState connreq.StateStore
	)
	switch conf.ExternalQueueBackend {
	case "memory":
		extQueue = queue.NewMemoryQueue()
		connReqState = connreq.NewMemoryStore()
	default:
		extQueue = queue.NewGormQueue(db)
		connReqState = database.NewConnReqStore(db)
	}

	// ══════════════════════════════════════════════════════════════
	// COMMUNICATION CHANNELS - One per topic
	// ══════════════════════════════════════════════════════════════
	commLogChan := make(chan models.Event, conf.InternalQueueSize)     // conn-req, session, operation and device events
	connReqOutcomeChan := make(chan models.Event, conf.InternalQueueSize) // wake outcomes for the health monitor

	// Request-reply channels for CRUD and comm log reads
	entityRequestChan := make(chan models.Request, conf.InternalQueueSize)
	commLogRequestChan := make(chan models.Request, conf.InternalQueueSize)

	// ══════════════════════════════════════════════════════════════
	// SERVICES
	// ══════════════════════════════════════════════════════════════
	connReqs := connreq.NewManager(
		connReqState,
		connreq.NewWaker(config.Seconds(conf.ConnReqTimeoutSeconds)),
		connreq.Config{
			Node:        conf.NodeName,
			Timeout:     config.Seconds(conf.ConnReqTimeoutSeconds),
			FailureSoak: config.Seconds(conf.ConnReqFailureSoakSeconds),
			RetryDelay:  config.Millis(conf.ConnReqRetryDelayMs),
			SessionTTL:  config.Seconds(conf.SessionTimeoutSeconds),
			Workers:     conf.ConnReqWorkerConcurrency,
			QueueSize:   conf.InternalQueueSize,
		},
		connReqOutcomeChan,
		commLogChan,
	)

	callbacks := callback.NewBus(config.Seconds(conf.CallbackTimeoutSeconds), nil)

	dispatcher := deviceop.NewDispatcher(
		deviceop.Config{
			DefaultPolicy: models.ExecPolicy{
				TimeoutSeconds:       conf.OpDefaultTimeoutSeconds,
				MaxRetries:           conf.OpDefaultMaxRetries,
				RetryIntervalSeconds: conf.OpDefaultRetryIntervalSeconds,
			},
			DownloadTimeout: config.Seconds(conf.OpDownloadTimeoutSeconds),
			ResendDelay:     config.Millis(conf.ConnReqRetryDelayMs),
			Tick:            config.Millis(conf.DispatcherTickMs),
			StoreTimeout:    config.Seconds(conf.StoreCallTimeoutSeconds),
			CallbackTimeout: config.Seconds(conf.CallbackTimeoutSeconds),
		},
		deviceop.Deps{
			Ops:       operations,
			Devices:   devices,
			Queue:     extQueue,
			ConnReq:   connReqs,
			Callbacks: callbacks,
			LogCh:     commLogChan,
		},
	)

	var deviceAuth session.Authenticator = session.AllowAll{}
	if conf.CwmpAuthRequired {
		deviceAuth = session.BasicAuthenticator{Username: conf.CwmpUsername, PasswordHash: conf.CwmpPasswordHash}
	}
	sessions := session.NewManager(
		session.Config{
			Node:            conf.NodeName,
			DefaultOrgID:    conf.DefaultOrgID,
			Shards:          conf.SessionShards,
			SessionTimeout:  config.Seconds(conf.SessionTimeoutSeconds),
			NbiTimeout:      config.Seconds(conf.NbiInactiveTimeoutSeconds),
			PollInterval:    config.Millis(conf.QueuePollIntervalMs),
			StoreTimeout:    config.Seconds(conf.StoreCallTimeoutSeconds),
			CallbackTimeout: config.Seconds(conf.CallbackTimeoutSeconds),
			RecordTTL:       config.Seconds(conf.SessionRecordTTLSeconds),
		},
		session.Deps{
			Devices:  devices,
			Sessions: sessionRecords,
			Presence: connReqs,
			Queue:    extQueue,
			Ops:      dispatcher,
			Auth:     deviceAuth,
			LogCh:    commLogChan,
		},
	)
	dispatcher.AttachSessions(sessions)

	healthMonitor := health.NewHealthMonitor(
		connReqOutcomeChan,
		entityRequestChan,
		conf.HealthFailureWindowMinutes,
		conf.HealthFailureThreshold,
	)

	// EntityService handles device CRUD and operation record reads
	entityService := persistence.NewEntityService(entityRequestChan, db, commLogChan)

	// CommLogWriter batches the communication log and answers its reads
	commLogWriter := persistence.NewCommLogWriter(
		commLogChan,
		commLogRequestChan,
		db,
		conf.CommLogBatchSize,
		config.Seconds(conf.CommLogFlushIntervalSeconds),
	)

	// ══════════════════════════════════════════════════════════════
	// ROUTER SETUP
	// ══════════════════════════════════════════════════════════════
	router := gin.Default()
	router.Use(api.SecurityHeaders())

	// Device-facing endpoint (HTTP Basic inside the session engine)
	api.RegisterCwmpRoutes(router, sessions, cwmp.XMLCodec{})

	// Public routes (no auth)
	router.POST("/login", auth.LoginHandler)

	// Protected routes - all use channels or service interfaces, no repo dependencies
	apiGroup := router.Group("/api/v1")
	apiGroup.Use(auth.JWTMiddleware())
	{
		api.RegisterEntityRoutes[models.Device](apiGroup, "/devices", "Device", conf.EncryptionKey, entityRequestChan)
		api.RegisterOperationRoutes(apiGroup, dispatcher, callbacks, config.Seconds(conf.OpDefaultTimeoutSeconds), entityRequestChan)
		api.RegisterDeviceSessionRoutes(apiGroup, connReqs, sessions)
		api.RegisterCommLogRoute(apiGroup, commLogRequestChan)
	}

	server := &http.Server{
		Addr:              conf.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ══════════════════════════════════════════════════════════════
	// START SERVICES
	// ══════════════════════════════════════════════════════════════
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, run := range []func(context.Context){
		connReqs.Run,
		dispatcher.Run,
		sessions.Run,
		healthMonitor.Run,
		entityService.Run,
		commLogWriter.Run,
	} {
		group.Go(func() error {
			run(groupCtx)
			return nil
		})
	}

	group.Go(func() error {
		var err error
		if conf.TLSCertFile != "" && conf.TLSKeyFile != "" {
			slog.Info("Starting HTTPS server", "address", conf.ServerAddress)
			err = server.ListenAndServeTLS(conf.TLSCertFile, conf.TLSKeyFile)
		} else {
			slog.Info("Starting HTTP server", "address", conf.ServerAddress)
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	// ══════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ══════════════════════════════════════════════════════════════
	if err := group.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
