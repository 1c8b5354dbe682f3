package notify

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes the operator-facing notification API: replaying failed
// attempts, inspecting delivery history and stats, the provider callback, and
// recipient channel preferences.
type Handler struct {
	tracker *Tracker
	repo    AttemptRepo
	prefs   PreferenceStore
	log     zerolog.Logger
}

func NewHandler(tracker *Tracker, repo AttemptRepo, prefs PreferenceStore, log zerolog.Logger) *Handler {
	return &Handler{tracker: tracker, repo: repo, prefs: prefs, log: log}
}

// RegisterRoutes mounts the notification endpoints. The caller applies auth;
// replay additionally requires the operator role at the route level.
func (h *Handler) RegisterRoutes(g *echo.Group, operatorOnly echo.MiddlewareFunc) {
	g.POST("/notifications/attempts/:id/replay", h.ReplayAttempt, operatorOnly)
	g.GET("/notifications/attempts/:id", h.GetAttempt)
	g.GET("/notifications/threads/:id", h.ThreadHistory)
	g.GET("/notifications/stats", h.Stats)
	g.POST("/notifications/callback", h.ProviderCallback)
	g.GET("/notifications/preferences/:recipient", h.GetPreferences)
	g.PUT("/notifications/preferences/:recipient", h.PutPreferences)
}

func (h *Handler) ReplayAttempt(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid attempt id")
	}

	fresh, err := h.tracker.Replay(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "attempt not found")
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, fresh)
}

func (h *Handler) GetAttempt(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid attempt id")
	}
	a, err := h.repo.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "attempt not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ThreadHistory(c echo.Context) error {
	threadID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid thread id")
	}
	attempts, err := h.repo.ListByThread(c.Request().Context(), threadID, 100)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"thread_id": threadID,
		"attempts":  attempts,
	})
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.repo.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

type callbackRequest struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

// ProviderCallback receives asynchronous delivery outcomes from channel
// providers and feeds them to the tracker.
func (h *Handler) ProviderCallback(c echo.Context) error {
	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid callback payload")
	}
	if req.ProviderMessageID == "" || req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider_message_id and status are required")
	}

	err := h.tracker.ObserveOutcome(c.Request().Context(), req.ProviderMessageID, req.Status)
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			// Unknown provider ids are acknowledged so providers stop
			// retrying callbacks for attempts we never created.
			h.log.Warn().Str("provider_message_id", req.ProviderMessageID).Msg("callback for unknown attempt")
			return c.NoContent(http.StatusAccepted)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) GetPreferences(c echo.Context) error {
	recipient, err := uuid.Parse(c.Param("recipient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid recipient id")
	}
	prefs, err := h.prefs.Get(c.Request().Context(), recipient)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prefs)
}

func (h *Handler) PutPreferences(c echo.Context) error {
	recipient, err := uuid.Parse(c.Param("recipient"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid recipient id")
	}

	var prefs Preferences
	if err := c.Bind(&prefs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid preferences payload")
	}
	prefs.Recipient = recipient
	for kind, channels := range prefs.Channels {
		for _, ch := range channels {
			if ch != ChannelEmail && ch != ChannelSMS {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown channel for "+string(kind))
			}
		}
	}
	if err := h.prefs.Put(c.Request().Context(), &prefs); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, prefs)
}
