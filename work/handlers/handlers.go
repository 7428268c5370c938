package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"streamgate/work/access"
	"streamgate/work/delivery"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/types"
	"streamgate/work/utils"
)

// grantRequest is the body of POST /api/access/grant.
type grantRequest struct {
	VideoID string `json:"videoId"`
	UserID  string `json:"userId"`
	Tier    string `json:"tier"`
}

// refreshRequest is the body of POST /api/access/refresh.
type refreshRequest struct {
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	RefreshToken string `json:"refreshToken"`
}

// revokeRequest is the body of POST /api/access/revoke. VideoID is optional;
// empty revokes across all of the user's videos.
type revokeRequest struct {
	UserID  string `json:"userId"`
	VideoID string `json:"videoId,omitempty"`
}

// startStreamRequest is the body of POST /api/streams/{streamId}/start.
// Qualities are preset labels; unknown labels are rejected.
type startStreamRequest struct {
	Name      string   `json:"name"`
	Qualities []string `json:"qualities"`
}

// segmentReadyRequest is the transcoder's segment-ready callback payload.
type segmentReadyRequest struct {
	Quality  string  `json:"quality"`
	Filename string  `json:"filename"`
	Duration float64 `json:"duration"`
	Sequence uint64  `json:"sequence"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAccessError maps the access error taxonomy onto HTTP status codes:
// authorization failures 403, missing things 404, dead sessions 401, bad
// credentials 400, infrastructure trouble 503.
func writeAccessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrInsufficientTier), errors.Is(err, access.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrVideoNotFound), errors.Is(err, access.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, access.ErrSessionExpiredOrRevoked):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, access.ErrInvalidRefreshToken):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, access.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

// HandleGrantAccess issues a new signed-URL session for a video.
func HandleGrantAccess(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		var req grantRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.VideoID == "" || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "videoId and userId are required")
			return
		}
		tier, ok := types.ParseTier(req.Tier)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown tier: "+req.Tier)
			return
		}

		grant, err := f.IssueAccess(r.Context(), req.VideoID, req.UserID, tier)
		if err != nil {
			writeAccessError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// HandleRefreshAccess rotates a session's refresh token and re-signs its URL.
func HandleRefreshAccess(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		var req refreshRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SessionID == "" || req.UserID == "" || req.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "sessionId, userId and refreshToken are required")
			return
		}

		grant, err := f.RefreshAccess(r.Context(), req.SessionID, req.UserID, req.RefreshToken)
		if err != nil {
			writeAccessError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, grant)
	}
}

// HandleRevokeAccess terminates the user's sessions, optionally scoped to
// one video. Idempotent: revoking nothing is a 200 with count zero.
func HandleRevokeAccess(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		var req revokeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}

		count := f.Issuer.RevokeAccess(r.Context(), req.UserID, req.VideoID)
		writeJSON(w, http.StatusOK, map[string]int{"revoked": count})
	}
}

// HandleVideoAnalytics reports the derived access summary for a video.
func HandleVideoAnalytics(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		videoID := mux.Vars(r)["videoId"]
		writeJSON(w, http.StatusOK, f.Issuer.VideoAccessAnalytics(videoID))
	}
}

// HandleStartStream initializes HLS delivery for a live stream from its
// quality ladder.
func HandleStartStream(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		// normalize so the id always matches the playlist path grammar
		streamID := utils.SanitizeStreamName(mux.Vars(r)["streamId"])
		var req startStreamRequest
		if !decodeBody(w, r, &req) {
			return
		}

		stream := types.LiveStream{ID: streamID, Name: req.Name}
		for _, label := range req.Qualities {
			variant, ok := types.DefaultVariant(label)
			if !ok {
				writeError(w, http.StatusBadRequest, "unknown quality: "+label)
				return
			}
			stream.Qualities = append(stream.Qualities, variant)
		}
		if len(stream.Qualities) == 0 {
			writeError(w, http.StatusBadRequest, "at least one quality is required")
			return
		}

		if err := f.StartDelivery(r.Context(), stream); err != nil {
			if errors.Is(err, manifest.ErrDeliveryExists) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, f.StreamStatus(streamID))
	}
}

// HandleStopStream tears down delivery for a stream.
func HandleStopStream(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		streamID := mux.Vars(r)["streamId"]
		if err := f.StopDelivery(r.Context(), streamID); err != nil {
			if errors.Is(err, manifest.ErrDeliveryNotFound) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			if errors.Is(err, manifest.ErrDeliveryStopped) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

// HandleSegmentReady is the transcoder callback announcing a packaged
// segment for one rendition.
func HandleSegmentReady(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		streamID := mux.Vars(r)["streamId"]
		var req segmentReadyRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Quality == "" || req.Filename == "" || req.Duration <= 0 {
			writeError(w, http.StatusBadRequest, "quality, filename and a positive duration are required")
			return
		}

		seg := types.SegmentRecord{Filename: req.Filename, Duration: req.Duration, Sequence: req.Sequence}
		if err := f.SegmentReady(streamID, req.Quality, seg); err != nil {
			switch {
			case errors.Is(err, manifest.ErrDeliveryNotFound):
				writeError(w, http.StatusNotFound, err.Error())
			case errors.Is(err, manifest.ErrUnknownQuality):
				writeError(w, http.StatusBadRequest, err.Error())
			case errors.Is(err, manifest.ErrDeliveryStopped):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleHeartbeat ingests a partial health heartbeat for a stream.
func HandleHeartbeat(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		streamID := mux.Vars(r)["streamId"]
		var hb types.HealthMetrics
		if !decodeBody(w, r, &hb) {
			return
		}
		f.Monitor.UpdateStreamHealth(streamID, hb)
		w.WriteHeader(http.StatusAccepted)
	}
}

// HandleStreamStatus reports the combined delivery/health view of a stream.
func HandleStreamStatus(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		writeJSON(w, http.StatusOK, f.StreamStatus(mux.Vars(r)["streamId"]))
	}
}

// HandleStreamLive answers the strict playback liveness gate for a stream.
func HandleStreamLive(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		streamID := mux.Vars(r)["streamId"]
		writeJSON(w, http.StatusOK, map[string]bool{"live": f.Monitor.IsStreamLive(streamID)})
	}
}

// HandleSegmentRedirect sends media segment requests to the content origin.
// Segments never change once written, so the response is marked immutable
// and cacheable for a year.
func HandleSegmentRedirect(segmentOrigin string) http.HandlerFunc {
	origin := strings.TrimRight(segmentOrigin, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", "video/mp2t")
		http.Redirect(w, r, origin+r.URL.Path, http.StatusFound)
	}
}

// HandleHLS serves master and media playlists rendered in-process.
// Manifests are marked uncacheable so players always see the live window
// edge.
func HandleHLS(h *delivery.Handle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := h.Facade()
		path := r.URL.Path

		pl, err := f.Builder.Playlist(path)
		if err != nil {
			switch {
			case errors.Is(err, manifest.ErrBadPlaylistPath):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, manifest.ErrDeliveryNotFound), errors.Is(err, manifest.ErrUnknownQuality):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, manifest.ErrNotReady):
				http.Error(w, "stream not ready", http.StatusServiceUnavailable)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			logger.Debug("{handlers - HandleHLS} Playlist %s: %v", path, err)
			return
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Last-Modified", pl.LastModified.UTC().Format(http.TimeFormat))
		w.Write([]byte(pl.Content))
	}
}
