// Package httpserver exposes HTTP handlers for the users API and the
// notification event stream.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wandererhq/connector/config"
	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/internal/router"
	"github.com/wandererhq/connector/internal/user"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath       = "/health"
	usersPath        = "/users"
	userDetailPrefix = usersPath + "/"
	eventsPath       = "/events"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// UserService is the command surface the handlers invoke for user rows.
type UserService interface {
	Create(ctx context.Context, nu user.NewUser) (user.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (user.User, error)
	List(ctx context.Context) ([]user.User, error)
	Update(ctx context.Context, id uuid.UUID, upd user.UpdateUser) (user.User, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
}

// EventSource registers streaming subscriptions against the notification router.
type EventSource interface {
	Subscribe(ctx context.Context, channel string) (router.SubscriptionID, <-chan router.Notification, error)
	Unsubscribe(id router.SubscriptionID)
}

type httpServer struct {
	users  UserService
	events EventSource
	logger *log.Logger
}

// NewHandler creates the HTTP handler for user management and event streaming.
func NewHandler(users UserService, events EventSource, logger *log.Logger) http.Handler {
	server := &httpServer{users: users, events: events, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))

	mux.Handle(usersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listUsers,
		http.MethodPost: server.createUser,
	}))
	mux.Handle(userDetailPrefix, http.HandlerFunc(server.handleUser))

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))

	return mux
}

// NewServer wraps the handler in a configured http.Server with request rate
// limiting applied in front of the mux.
func NewServer(cfg config.ServerSettings, users UserService, events EventSource, logger *log.Logger) *http.Server {
	handler := NewHandler(users, events, logger)
	if cfg.RequestsPerSec > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(cfg.RequestBurst, 1))
		handler = withRateLimit(limiter, handler)
	}
	readHeaderTimeout := time.Duration(cfg.ReadHeaderMillis) * time.Millisecond
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func withRateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *httpServer) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if users == nil {
		users = []user.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *httpServer) createUser(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	nu, err := decodeNewUser(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	created, err := s.users.Create(r.Context(), nu)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *httpServer) handleUser(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, userDetailPrefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, "user id required")
		return
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		u, err := s.users.GetByID(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodPatch:
		limitRequestBody(w, r)
		upd, err := decodeUpdateUser(r)
		if err != nil {
			writeDecodeError(w, err)
			return
		}
		u, err := s.users.Update(r.Context(), id, upd)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	case http.MethodDelete:
		deleted, err := s.users.Delete(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if !deleted {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodGet, http.MethodPatch)
	}
}

// streamEvents relays router notifications for one channel as server-sent
// events until the client disconnects.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel query parameter required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id, events, err := s.events.Subscribe(r.Context(), channel)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer s.events.Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, n); err != nil {
				if s.logger != nil {
					s.logger.Printf("http: drop event stream channel=%s: %v", channel, err)
				}
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n router.Notification) error {
	data, err := json.Marshal(map[string]any{
		"channel": n.Channel,
		"payload": n.Payload,
		"pid":     n.PID,
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *httpServer) writeServiceError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e != nil && e.Message != "" {
		message = e.Message
	}
	writeJSON(w, status, map[string]string{
		"status": "error",
		"code":   string(errs.CodeOf(err)),
		"error":  message,
	})
}

type newUserPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func decodeNewUser(r *http.Request) (user.NewUser, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload newUserPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return user.NewUser{}, fmt.Errorf("decode payload: %w", err)
	}
	payload.Name = strings.TrimSpace(payload.Name)
	payload.Email = strings.TrimSpace(payload.Email)
	if payload.Name == "" {
		return user.NewUser{}, fmt.Errorf("name required")
	}
	if payload.Email == "" {
		return user.NewUser{}, fmt.Errorf("email required")
	}
	return user.NewUser{Name: payload.Name, Email: payload.Email}, nil
}

func decodeUpdateUser(r *http.Request) (user.UpdateUser, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var upd user.UpdateUser
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&upd); err != nil {
		return user.UpdateUser{}, fmt.Errorf("decode payload: %w", err)
	}
	if upd.Name != nil {
		trimmed := strings.TrimSpace(*upd.Name)
		if trimmed == "" {
			return user.UpdateUser{}, fmt.Errorf("name must not be empty")
		}
		upd.Name = &trimmed
	}
	if upd.Email != nil {
		trimmed := strings.TrimSpace(*upd.Email)
		if trimmed == "" {
			return user.UpdateUser{}, fmt.Errorf("email must not be empty")
		}
		upd.Email = &trimmed
	}
	return upd, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
