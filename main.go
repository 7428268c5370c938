package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamgate/work/access"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/database"
	"streamgate/work/delivery"
	"streamgate/work/handlers"
	"streamgate/work/health"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/middleware"
	"streamgate/work/store"
	"streamgate/work/transcode"
	"streamgate/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	// set up logging
	if cfg.Debug {
		logger.SetLogLevel("debug")
	}

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// open the catalog database
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database at %s: %v", cfg.DatabasePath, err)
	}
	defer db.Close()

	// initialize HTTP client
	httpClient := client.NewHeaderSettingClient()

	// build the stores and components
	catalog := store.NewCatalog(db)
	sessions := store.NewSessionStore()
	signer := access.NewSigner(cfg.SignedURLBase, cfg.SigningSecret)
	issuer := access.NewIssuer(cfg, catalog, catalog, sessions, signer, workerPool)
	builder := manifest.NewBuilder(cfg)
	monitor := health.NewMonitor(cfg, workerPool)

	// transcoder control is optional; without a URL the pipeline is
	// driven out-of-band and we only receive its callbacks
	var transcoder transcode.Controller = transcode.NoopController{}
	if cfg.TranscoderURL != "" {
		transcoder = transcode.NewHTTPController(cfg.TranscoderURL, httpClient)
	}

	// handlers load the active facade through the handle on every request,
	// so a graceful restart can swap components atomically under them
	handle := delivery.NewHandle(delivery.NewFacade(issuer, builder, monitor, transcoder))

	// start the background sweeps
	go issuer.StartCleanupLoop(context.Background())
	go monitor.StartHealthCheckLoop()

	// setup HTTP routes
	router := mux.NewRouter()

	// access grant lifecycle
	router.HandleFunc("/api/access/grant", middleware.Gzip(handlers.HandleGrantAccess(handle))).Methods("POST")
	router.HandleFunc("/api/access/refresh", middleware.Gzip(handlers.HandleRefreshAccess(handle))).Methods("POST")
	router.HandleFunc("/api/access/revoke", handlers.HandleRevokeAccess(handle)).Methods("POST")
	router.HandleFunc("/api/videos/{videoId}/analytics", middleware.Gzip(handlers.HandleVideoAnalytics(handle))).Methods("GET")

	// live stream delivery lifecycle
	router.HandleFunc("/api/streams/{streamId}/start", handlers.HandleStartStream(handle)).Methods("POST")
	router.HandleFunc("/api/streams/{streamId}/stop", handlers.HandleStopStream(handle)).Methods("POST")
	router.HandleFunc("/api/streams/{streamId}/segments", handlers.HandleSegmentReady(handle)).Methods("POST")
	router.HandleFunc("/api/streams/{streamId}/health", handlers.HandleHeartbeat(handle)).Methods("POST")
	router.HandleFunc("/api/streams/{streamId}/health", middleware.Gzip(handlers.HandleStreamStatus(handle))).Methods("GET")
	router.HandleFunc("/api/streams/{streamId}/live", handlers.HandleStreamLive(handle)).Methods("GET")

	// HLS namespace: segments redirect to the origin, playlists render
	// in-process (gzipped; segment redirects carry no body)
	router.HandleFunc("/hls/{streamId}/{quality}/{segment:[^/]+\\.ts}", handlers.HandleSegmentRedirect(cfg.SignedURLBase)).Methods("GET")
	router.PathPrefix("/hls/").HandlerFunc(middleware.Gzip(handlers.HandleHLS(handle))).Methods("GET")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, handle, catalog, db)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting StreamGate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Listen Port: %d", cfg.ListenPort)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Signed URL Base: %s", utils.LogURL(cfg, cfg.SignedURLBase))
	logger.Info("  - Transcoder: %s", utils.LogURL(cfg, cfg.TranscoderURL))
	logger.Info("  - Session TTL: %s", cfg.SessionTTL)
	logger.Info("  - Cleanup Interval: %s", cfg.CleanupInterval)
	logger.Info("  - Segment Window: %d", cfg.SegmentWindowSize)
	logger.Info("  - Target Segment Duration: %s", cfg.TargetSegmentDuration)
	logger.Info("  - Playlist Cache TTL: %s", cfg.PlaylistCacheTTL)
	logger.Info("  - Health Timeout: %s", cfg.HealthTimeout)
	logger.Info("  - Freshness Window: %s", cfg.FreshnessWindow)
	logger.Info("  - Optimistic Live: %v", cfg.OptimisticLive)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// gracefully restart if it's requested to do.
	go func() {

		// start a loop
		for {
			<-restartChan

			if cfg.Debug {
				logger.Debug("Graceful restart requested...")
			}

			// stop the sweeps
			issuer.StopCleanupLoop()
			monitor.StopHealthCheckLoop()

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// reload config from file
			newConfig := config.LoadConfig()

			// rebuild the components that only hold config and publish
			// them as one new facade; in-flight requests finish on the
			// old one
			issuer = access.NewIssuer(newConfig, catalog, catalog, sessions, signer, workerPool)
			builder = manifest.NewBuilder(newConfig)
			monitor = health.NewMonitor(newConfig, workerPool)
			handle.Swap(delivery.NewFacade(issuer, builder, monitor, transcoder))

			go issuer.StartCleanupLoop(context.Background())
			go monitor.StartHealthCheckLoop()

			if cfg.Debug {
				logger.Debug("Graceful restart completed")
			}

		}

	}()

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
