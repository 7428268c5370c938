package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"streamgate/work/config"
	"streamgate/work/database"
	"streamgate/work/delivery"
	"streamgate/work/store"
	"streamgate/work/types"
	"streamgate/work/utils"
)

// StatsResponse represents the system statistics exposed through the admin
// API, providing operational metrics for monitoring, debugging, and capacity
// planning. It combines live component counters with process-level resource
// measurements.
type StatsResponse struct {
	ActiveSessions   int    `json:"activeSessions"`   // Non-revoked, non-expired access sessions
	ActiveDeliveries int    `json:"activeDeliveries"` // Streams currently initializing or live
	OnlineStreams    int    `json:"onlineStreams"`    // Streams the health monitor considers online
	CatalogAssets    int    `json:"catalogAssets"`    // Video assets in the catalog database
	ArchivedSessions int    `json:"archivedSessions"` // Terminated sessions persisted to the archive
	Uptime           string `json:"uptime"`           // Time since process start
	MemoryUsage      string `json:"memoryUsage"`      // Current heap allocation
	WorkerThreads    int    `json:"workerThreads"`    // Configured sweep worker pool size
	Goroutines       int    `json:"goroutines"`       // Live goroutine count
}

// registerVideoRequest is the body of POST /admin/videos, registering or
// updating a catalog asset.
type registerVideoRequest struct {
	ID           string `json:"id"`
	StorageKey   string `json:"storageKey"`
	RequiredTier string `json:"requiredTier"`
	Visibility   string `json:"visibility"`
}

// adminStartTime records process start for uptime reporting.
var adminStartTime = time.Now()

// restartChan signals a graceful reload of configuration and components
// without process termination.
var restartChan = make(chan bool, 1)

// setupAdminRoutes registers the administrative endpoints on the router.
func setupAdminRoutes(router *mux.Router, handle *delivery.Handle, catalog *store.Catalog, db *database.DB) {
	router.HandleFunc("/admin/stats", handleAdminStats(handle, db)).Methods("GET")
	router.HandleFunc("/admin/videos", handleRegisterVideo(catalog)).Methods("POST")
	router.HandleFunc("/admin/restart", handleAdminRestart()).Methods("POST")
}

func handleAdminStats(handle *delivery.Handle, db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		facade := handle.Facade()

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		dbStats, err := db.GetStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("database stats: %v", err), http.StatusInternalServerError)
			return
		}
		assets, _ := dbStats["assets_count"].(int)
		archived, _ := dbStats["session_archive_count"].(int)

		stats := StatsResponse{
			ActiveSessions:   facade.Issuer.ActiveSessionCount(),
			ActiveDeliveries: facade.Builder.ActiveDeliveryCount(),
			OnlineStreams:    facade.Monitor.OnlineStreamCount(),
			CatalogAssets:    assets,
			ArchivedSessions: archived,
			Uptime:           time.Since(adminStartTime).Round(time.Second).String(),
			MemoryUsage:      utils.FormatBytes(int64(mem.Alloc)),
			WorkerThreads:    config.LoadConfig().WorkerThreads,
			Goroutines:       runtime.NumGoroutine(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleRegisterVideo(catalog *store.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" || req.StorageKey == "" {
			http.Error(w, "id and storageKey are required", http.StatusBadRequest)
			return
		}
		tier, ok := types.ParseTier(req.RequiredTier)
		if !ok {
			http.Error(w, "unknown tier: "+req.RequiredTier, http.StatusBadRequest)
			return
		}

		asset := &types.VideoAsset{
			ID:           req.ID,
			StorageKey:   req.StorageKey,
			RequiredTier: tier,
			Visibility:   req.Visibility,
		}
		if asset.Visibility == "" {
			asset.Visibility = "private"
		}

		if err := catalog.UpsertVideo(r.Context(), asset); err != nil {
			http.Error(w, fmt.Sprintf("catalog upsert: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(asset)
	}
}

func handleAdminRestart() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case restartChan <- true:
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprintln(w, "restart requested")
		default:
			http.Error(w, "restart already pending", http.StatusConflict)
		}
	}
}
