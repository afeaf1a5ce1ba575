package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/beacon/internal/authz"
	"github.com/stanstork/beacon/internal/handlers"
	"github.com/stanstork/beacon/internal/models"
)

// NewRouter sets up the API routes
func NewRouter(auth *handlers.AuthHandler, notifications *handlers.NotificationHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	// Public auth endpoints
	router.HandleFunc("/api/auth/login", auth.Login).Methods(http.MethodPost)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.JWTMiddleware)

	api.HandleFunc("/auth/refresh", auth.Refresh).Methods(http.MethodPost)

	api.HandleFunc("/notifications", notifications.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread-count", notifications.UnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/stream", notifications.Stream).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", notifications.MarkAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/read", notifications.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}", notifications.Delete).Methods(http.MethodDelete)

	internal := api.PathPrefix("/internal").Subrouter()
	internal.Use(authz.RequireRole(models.RoleAdmin))
	internal.HandleFunc("/notifications", notifications.Create).Methods(http.MethodPost)

	return router
}
