package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"chess-arena/internal/db"
	"chess-arena/internal/errs"
	"chess-arena/internal/middleware"
	"chess-arena/internal/models"
	"chess-arena/internal/store"
)

const defaultLeaderboardSize = 25

// RESTHandler serves the read-only HTTP surface: leaderboards,
// profiles, and finished or in-flight games. All mutation flows
// through the websocket.
type RESTHandler struct {
	profiles *db.ProfileStore
	games    *db.GameStore
	live     *store.LiveStore
	logger   *zap.Logger
}

func NewRESTHandler(profiles *db.ProfileStore, games *db.GameStore, live *store.LiveStore, logger *zap.Logger) *RESTHandler {
	return &RESTHandler{profiles: profiles, games: games, live: live, logger: logger}
}

func (h *RESTHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	variant := models.Variant(strings.ToUpper(r.URL.Query().Get("variant")))
	if variant == "" {
		variant = models.VariantRapid
	}
	if !variant.Valid() {
		writeError(w, http.StatusBadRequest, "unknown variant")
		return
	}
	limit := defaultLeaderboardSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be 1-100")
			return
		}
		limit = n
	}

	profiles, err := h.profiles.Leaderboard(r.Context(), variant, limit)
	if err != nil {
		h.serverError(w, "leaderboard query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variant": variant,
		"players": profiles,
	})
}

func (h *RESTHandler) Profile(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["playerId"]
	p, err := h.profiles.Get(r.Context(), playerID)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	if err != nil {
		h.serverError(w, "profile query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Game serves the live state while a game is in flight and the durable
// record after it leaves the hot store.
func (h *RESTHandler) Game(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["gameId"]

	if g, err := h.live.LoadGame(r.Context(), gameID); err == nil {
		writeJSON(w, http.StatusOK, viewOf(g))
		return
	} else if !errors.Is(err, errs.ErrNotFound) {
		h.serverError(w, "live game load failed", err)
		return
	}

	doc, err := h.games.ByGameID(r.Context(), gameID)
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	if err != nil {
		h.serverError(w, "game query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *RESTHandler) PlayerGames(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["playerId"]
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be 1-100")
			return
		}
		limit = n
	}
	games, err := h.games.RecentCompleted(r.Context(), playerID, limit)
	if err != nil {
		h.serverError(w, "game history query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playerId": playerID,
		"games":    games,
	})
}

func (h *RESTHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := h.live.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "redis": err.Error()}
	}
	writeJSON(w, status, body)
}

func (h *RESTHandler) serverError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// NewRouter assembles the full HTTP surface: the websocket endpoint
// plus the REST reads, wrapped in CORS for the frontend origin.
func NewRouter(ws *SocketHandler, rest *RESTHandler, frontendURL string, rl *middleware.RateLimiter, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.SecurityHeaders)

	wsRoute := r.PathPrefix("/ws").Subrouter()
	wsRoute.Use(rl.Middleware(middleware.WebSocketUpgradeLimit))
	wsRoute.HandleFunc("", ws.HandleWS)

	r.HandleFunc("/healthz", rest.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(rl.Middleware(middleware.APIReadLimit))
	api.HandleFunc("/leaderboard", rest.Leaderboard).Methods(http.MethodGet)
	api.HandleFunc("/players/{playerId}", rest.Profile).Methods(http.MethodGet)
	api.HandleFunc("/players/{playerId}/games", rest.PlayerGames).Methods(http.MethodGet)
	api.HandleFunc("/games/{gameId}", rest.Game).Methods(http.MethodGet)

	origins := []string{"*"}
	if frontendURL != "" {
		origins = []string{frontendURL}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: frontendURL != "",
	})
	return c.Handler(r)
}
