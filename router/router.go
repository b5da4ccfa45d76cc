// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ericvolp12/distributed-transcoder/auth"
	"github.com/ericvolp12/distributed-transcoder/dispatcher"
	"github.com/ericvolp12/distributed-transcoder/middleware"
	"github.com/ericvolp12/distributed-transcoder/store"
	"github.com/ericvolp12/distributed-transcoder/subscription"
)

const sessionTTL = 24 * time.Hour

// Deps holds all dependencies for the router.
type Deps struct {
	Store        store.Store
	Dispatcher   *dispatcher.Dispatcher
	Subscription *subscription.Endpoint
	JWTSecret    []byte
}

// New builds and returns the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret)
	requireAdmin := middleware.RequireAdmin()

	// ---- auth ----
	mux.HandleFunc("POST /api/login", login(d))

	// ---- jobs (submission is public per the spec's Non-goals) ----
	mux.HandleFunc("POST /api/jobs", submitJob(d))
	mux.HandleFunc("GET /api/jobs", listJobs(d))
	mux.HandleFunc("GET /api/jobs/{job_id}", getJob(d))
	mux.Handle("POST /api/jobs/{job_id}/cancel",
		requireAuth(requireAdmin(http.HandlerFunc(cancelJob(d)))))

	// ---- presets ----
	mux.HandleFunc("GET /api/presets", listPresets(d))
	mux.Handle("POST /api/presets", requireAuth(requireAdmin(http.HandlerFunc(createPreset(d)))))
	mux.Handle("PATCH /api/presets/{id}", requireAuth(requireAdmin(http.HandlerFunc(updatePreset(d)))))
	mux.Handle("DELETE /api/presets/{id}", requireAuth(requireAdmin(http.HandlerFunc(deletePreset(d)))))

	// ---- playlists ----
	mux.Handle("POST /api/playlists", requireAuth(requireAdmin(http.HandlerFunc(createPlaylist(d)))))
	mux.HandleFunc("GET /api/playlists/{id}", getPlaylist(d))

	// ---- subscriber transport ----
	mux.HandleFunc("GET /progress/{job_id}", d.Subscription.Subscribe)

	// ---- system ----
	mux.HandleFunc("GET /api/healthz", healthz)

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- auth ----

func login(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Username == "" || body.Password == "" {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}

		u, err := d.Store.GetUserByUsername(r.Context(), body.Username)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if u == nil || !auth.CheckPassword(u.PasswordHash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		refreshTok, err := auth.GenerateRefreshToken()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		sess, err := d.Store.CreateSession(r.Context(), u.ID, refreshTok, time.Now().Add(sessionTTL))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		token, err := auth.IssueAccessToken(d.JWTSecret, u.ID, sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": token})
	}
}

// ---- jobs ----

func submitJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			JobID        string     `json:"job_id"`
			InputS3Path  string     `json:"input_s3_path"`
			OutputS3Path string     `json:"output_s3_path"`
			PresetID     *uuid.UUID `json:"preset_id"`
			Pipeline     string     `json:"pipeline"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.JobID == "" || body.InputS3Path == "" || body.OutputS3Path == "" {
			writeError(w, http.StatusBadRequest, "job_id, input_s3_path, and output_s3_path are required")
			return
		}

		job, err := d.Dispatcher.Submit(r.Context(), dispatcher.Request{
			JobID:        body.JobID,
			InputS3Path:  body.InputS3Path,
			OutputS3Path: body.OutputS3Path,
			PresetID:     body.PresetID,
			Pipeline:     body.Pipeline,
		})
		switch err {
		case nil:
			writeJSON(w, http.StatusCreated, job)
		case dispatcher.ErrBadRequest:
			writeError(w, http.StatusBadRequest, err.Error())
		case dispatcher.ErrNotFound:
			writeError(w, http.StatusNotFound, err.Error())
		default:
			if job != nil {
				// Persisted but publish failed; still report the job, with 202.
				writeJSON(w, http.StatusAccepted, job)
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func listJobs(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := d.Store.ListJobs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func getJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := d.Store.GetJob(r.Context(), r.PathValue("job_id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if job == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func cancelJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.CancelJob(r.Context(), r.PathValue("job_id")); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- presets ----

func listPresets(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presets, err := d.Store.ListPresets(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, presets)
	}
}

func createPreset(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p store.Preset
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if p.Name == "" || p.Pipeline == "" {
			writeError(w, http.StatusBadRequest, "name and pipeline are required")
			return
		}
		created, err := d.Store.CreatePreset(r.Context(), &p)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func updatePreset(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid preset id")
			return
		}
		var fields store.PresetUpdate
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		updated, err := d.Store.UpdatePreset(r.Context(), id, fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if updated == nil {
			writeError(w, http.StatusNotFound, "preset not found")
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func deletePreset(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid preset id")
			return
		}
		if err := d.Store.DeletePreset(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ---- playlists ----

func createPlaylist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name        string      `json:"name"`
			InputS3Path string      `json:"input_s3_path"`
			PresetIDs   []uuid.UUID `json:"preset_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if body.Name == "" || body.InputS3Path == "" || len(body.PresetIDs) == 0 {
			writeError(w, http.StatusBadRequest, "name, input_s3_path, and preset_ids are required")
			return
		}
		playlist, err := d.Dispatcher.SubmitPlaylist(r.Context(), dispatcher.PlaylistRequest{
			Name:        body.Name,
			InputS3Path: body.InputS3Path,
			PresetIDs:   body.PresetIDs,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, playlist)
	}
}

func getPlaylist(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid playlist id")
			return
		}
		playlist, err := d.Store.GetPlaylist(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if playlist == nil {
			writeError(w, http.StatusNotFound, "playlist not found")
			return
		}
		writeJSON(w, http.StatusOK, playlist)
	}
}

// ---- system ----

func healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
