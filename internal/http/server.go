package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaibhavgarg25/dashboard/internal/auth"
	"github.com/vaibhavgarg25/dashboard/internal/cache"
	"github.com/vaibhavgarg25/dashboard/internal/config"
	"github.com/vaibhavgarg25/dashboard/internal/crypto"
	"github.com/vaibhavgarg25/dashboard/internal/dashboard"
	"github.com/vaibhavgarg25/dashboard/internal/model"
	"github.com/vaibhavgarg25/dashboard/internal/repository"
)

var (
	signupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signups_total",
		Help: "Completed signups.",
	})
	loginsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "logins_total",
		Help: "Successful logins.",
	})
)

type Server struct {
	cfg        config.Config
	store      *repository.Store
	aggregator *dashboard.Aggregator
	cache      *cache.Dashboard
	log        *slog.Logger
}

func NewServer(cfg config.Config, store *repository.Store, aggregator *dashboard.Aggregator, dashCache *cache.Dashboard, log *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		aggregator: aggregator,
		cache:      dashCache,
		log:        log,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.resolveIdentity)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Get("/auth/me", s.handleMe)
	r.Patch("/users/me", s.handleUpdateProfile)
	r.Get("/dashboard", s.handleDashboard)

	return r
}

// resolveIdentity derives the access context from the bearer token.
// Missing, malformed or expired tokens degrade to anonymous instead of
// failing the request; each handler decides whether anonymous is
// acceptable.
func (s *Server) resolveIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			s.log.Debug("bearer token rejected", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		role, err := model.ParseRole(claims.Role)
		if err != nil {
			s.log.Debug("bearer token carries unknown role", "role", claims.Role)
			next.ServeHTTP(w, r)
			return
		}

		identity := &auth.Identity{UserID: claims.UserID, Role: role}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type userPayload struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Email     string  `json:"email"`
	Role      string  `json:"role"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatarUrl"`
	CreatedAt string  `json:"createdAt"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  userPayload `json:"user"`
}

func mapUser(user model.User) userPayload {
	return userPayload{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      string(user.Role),
		Bio:       user.Bio,
		AvatarURL: user.AvatarURL,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	// Email is matched exactly as stored; no case folding.
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	if req.Name == "" || req.Email == "" || req.Password == "" || req.Role == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	if _, err := s.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "email_already_registered")
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		s.log.Error("signup lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.log.Error("password hash failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email_already_registered")
			return
		}
		s.log.Error("signup create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, user.ID, string(user.Role))
	if err != nil {
		s.log.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	signupsTotal.Inc()
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: mapUser(user)})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	// Unknown email and wrong password answer identically.
	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		s.log.Error("login lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, user.ID, string(user.Role))
	if err != nil {
		s.log.Error("token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	loginsTotal.Inc()
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: mapUser(user)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		s.log.Error("me lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

// parseProfilePatch maps the request body onto a UserUpdate. Fields are
// patched only when their key is present; an explicit null clears the
// nullable fields (bio, avatarUrl) but is rejected for name and email,
// which cannot be emptied.
func parseProfilePatch(raw map[string]json.RawMessage) (repository.UserUpdate, string) {
	var update repository.UserUpdate
	for key, value := range raw {
		var field *string
		if err := json.Unmarshal(value, &field); err != nil {
			return repository.UserUpdate{}, "invalid_request"
		}
		switch key {
		case "name":
			if field == nil || strings.TrimSpace(*field) == "" {
				return repository.UserUpdate{}, "missing_fields"
			}
			name := strings.TrimSpace(*field)
			update.Name = &name
		case "email":
			if field == nil || strings.TrimSpace(*field) == "" {
				return repository.UserUpdate{}, "missing_fields"
			}
			email := strings.TrimSpace(*field)
			update.Email = &email
		case "bio":
			update.Bio = field
			update.SetBio = true
		case "avatarUrl":
			update.AvatarURL = field
			update.SetAvatarURL = true
		default:
			return repository.UserUpdate{}, "invalid_request"
		}
	}
	return update, ""
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}

	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	update, errCode := parseProfilePatch(raw)
	if errCode != "" {
		writeError(w, http.StatusBadRequest, errCode)
		return
	}

	user, err := s.store.UpdateUser(r.Context(), identity.UserID, update)
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email_already_registered")
			return
		}
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "user_not_found")
			return
		}
		s.log.Error("profile update failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapUser(user))
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	filters, errCode := parseDashboardFilters(r)
	if errCode != "" {
		writeError(w, http.StatusBadRequest, errCode)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	key := cache.Key(identity, filters)
	if data, ok := s.cache.Get(r.Context(), key); ok {
		writeJSON(w, http.StatusOK, data)
		return
	}

	data, err := s.aggregator.Dashboard(r.Context(), identity, filters)
	if err != nil {
		s.log.Error("dashboard aggregation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.cache.Set(r.Context(), key, data)
	writeJSON(w, http.StatusOK, data)
}

func parseDashboardFilters(r *http.Request) (dashboard.Filters, string) {
	query := r.URL.Query()
	filters := dashboard.Filters{Query: strings.TrimSpace(query.Get("q"))}

	if raw := query.Get("startDate"); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			return dashboard.Filters{}, "invalid_date"
		}
		filters.StartDate = &parsed
	}
	if raw := query.Get("endDate"); raw != "" {
		parsed, err := parseDate(raw)
		if err != nil {
			return dashboard.Filters{}, "invalid_date"
		}
		filters.EndDate = &parsed
	}
	if raw := query.Get("role"); raw != "" {
		role, err := model.ParseRole(raw)
		if err != nil {
			return dashboard.Filters{}, "invalid_role"
		}
		filters.Role = &role
	}
	return filters, ""
}

func parseDate(value string) (time.Time, error) {
	if parsed, err := time.Parse("2006-01-02", value); err == nil {
		return parsed, nil
	}
	return time.Parse(time.RFC3339, value)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
