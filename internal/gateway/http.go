package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marrow-labs/homegate/pkg/protocol"
)

// maxBodyBytes caps every ManagementAPI request body at 1 MiB.
const maxBodyBytes = 1 << 20

// registerAPIRoutes maps the REST surface onto the same MethodRouter the
// WebSocket protocol dispatches through, so every mutation is reachable
// identically from either transport. Go's route-pattern ServeMux (method +
// path wildcards) is the teacher's own http.ServeMux, just used with the
// newer pattern syntax the module's go.mod version supports.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	route := func(pattern, method string, extra ...string) {
		mux.HandleFunc(pattern, s.apiHandler(method, extra...))
	}

	route("GET /api/status", protocol.MethodStatus)
	route("GET /api/worldmodel", protocol.MethodWorldModelGet)
	route("PUT /api/worldmodel", protocol.MethodWorldModelPut)
	route("GET /api/heartbeat/config", protocol.MethodHeartbeatConfigGet)
	route("PUT /api/heartbeat/config", protocol.MethodHeartbeatConfigPut)
	route("GET /api/heartbeat/runs", protocol.MethodHeartbeatRuns)
	route("GET /api/cron", protocol.MethodCronList)
	route("POST /api/cron", protocol.MethodCronCreate)
	route("PUT /api/cron/{id}", protocol.MethodCronUpdate, "id")
	route("DELETE /api/cron/{id}", protocol.MethodCronDelete, "id")
	route("POST /api/cron/{id}/toggle", protocol.MethodCronToggle, "id")
	route("POST /api/cron/{id}/run", protocol.MethodCronRun, "id")
	route("GET /api/cron/{id}/runs", protocol.MethodCronRuns, "id")
	route("GET /api/sessions", protocol.MethodSessionsList)
	route("GET /api/sessions/{key}", protocol.MethodSessionsRead, "key")
	route("GET /api/archive/search", protocol.MethodArchiveSearch)
	route("GET /api/archive/{id}", protocol.MethodArchiveGet, "id")
	route("GET /api/model", protocol.MethodModelGet)
	route("PUT /api/model", protocol.MethodModelSet)
	route("GET /api/alias", protocol.MethodAliasList)
	route("PUT /api/alias/{name}", protocol.MethodAliasSet, "name")
	route("DELETE /api/alias/{name}", protocol.MethodAliasRemove, "name")
	route("GET /api/fallback", protocol.MethodFallbackList)
	route("PUT /api/fallback", protocol.MethodFallbackSet)
	route("DELETE /api/fallback", protocol.MethodFallbackClear)
	route("GET /api/skills", protocol.MethodSkillsList)
	route("GET /api/skills/{name}", protocol.MethodSkillsGet, "name")
	route("POST /api/skills", protocol.MethodSkillsCreate)
	route("PUT /api/skills/{name}", protocol.MethodSkillsUpdate, "name")
	route("DELETE /api/skills/{name}", protocol.MethodSkillsDelete, "name")
	route("GET /api/config", protocol.MethodConfigGet)
	route("GET /api/channels", protocol.MethodChannelsList)
	route("GET /api/channels/status", protocol.MethodChannelsStatus)
}

// apiHandler builds an http.HandlerFunc that authenticates, rate-limits,
// assembles method params from the request's query string, path wildcards
// (named in pathParams) and JSON body, dispatches through the MethodRouter,
// and writes the result (or error) as JSON.
func (s *Server) apiHandler(method string, pathParams ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !s.rateLimiter.Allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		fields := map[string]interface{}{}
		for k, vs := range r.URL.Query() {
			if len(vs) == 1 {
				fields[k] = vs[0]
			}
		}
		for _, name := range pathParams {
			fields[name] = r.PathValue(name)
		}
		if r.ContentLength != 0 && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			data, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if len(data) > 0 {
				var body map[string]interface{}
				if err := json.Unmarshal(data, &body); err != nil {
					writeError(w, http.StatusBadRequest, "invalid JSON body")
					return
				}
				for k, v := range body {
					fields[k] = v
				}
			}
		}
		normalizeIntFields(fields, "id", "limit")

		params, err := json.Marshal(fields)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		payload, err := s.router.Dispatch(r.Context(), method, params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

// normalizeIntFields converts string query/path values for the named keys
// into json.Number-compatible ints so decode() can unmarshal them into int
// and int64 struct fields (path wildcards and query params always arrive as
// strings).
func normalizeIntFields(fields map[string]interface{}, keys ...string) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			fields[k] = n
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// staticHandler serves the dashboard's built assets for every request that
// didn't match /ws, /health or /api/*, rejecting any path that attempts to
// escape staticDir.
func (s *Server) staticHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := filepath.Clean("/" + r.URL.Path)
		if strings.Contains(clean, "..") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		full := filepath.Join(s.staticDir, clean)
		if !strings.HasPrefix(full, filepath.Clean(s.staticDir)+string(filepath.Separator)) && full != filepath.Clean(s.staticDir) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if info, err := os.Stat(full); err != nil || info.IsDir() {
			full = filepath.Join(s.staticDir, "index.html")
		}
		http.ServeFile(w, r, full)
	})
}
