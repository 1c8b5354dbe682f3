package thread

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carewire/carewire/internal/platform/auth"
	"github.com/carewire/carewire/internal/platform/keyring"
)

// Handler exposes the messaging API. Every route acts on behalf of the
// authenticated participant; the token subject must be the participant id.
type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/threads", h.CreateThread)
	g.GET("/threads", h.ListThreads)
	g.GET("/threads/:id", h.GetThread)
	g.POST("/threads/:id/archive", h.ArchiveThread)
	g.POST("/threads/:id/participants", h.AddParticipant)
	g.DELETE("/threads/:id/participants/:participant", h.RemoveParticipant)
	g.POST("/threads/:id/messages", h.AppendMessage)
	g.GET("/threads/:id/messages", h.ListMessages)
	g.GET("/threads/:id/messages/:message/plaintext", h.ReadMessage)
	g.POST("/threads/:id/read", h.MarkRead)
}

func caller(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.Subject(c))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "token subject is not a participant id")
	}
	return id, nil
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrMessageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotParticipant):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrThreadArchived), errors.Is(err, ErrAttachmentNotEncrypted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, keyring.ErrKeyUnavailable), errors.Is(err, keyring.ErrDecryptionFailed):
		return echo.NewHTTPError(http.StatusForbidden, "message cannot be opened for this participant")
	}
	return err
}

type createThreadRequest struct {
	Title        string      `json:"title"`
	Participants []uuid.UUID `json:"participants"`
}

type createThreadResponse struct {
	Thread      *Thread              `json:"thread"`
	WrappedKeys []keyring.WrappedKey `json:"wrapped_keys"`
}

func (h *Handler) CreateThread(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	var req createThreadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	t, wrapped, err := h.svc.CreateThread(c.Request().Context(), me, req.Title, req.Participants)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, createThreadResponse{Thread: t, WrappedKeys: wrapped})
}

func (h *Handler) ListThreads(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	threads, err := h.svc.ListThreads(c.Request().Context(), me, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"threads": threads})
}

func (h *Handler) GetThread(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.GetThread(c.Request().Context(), me, threadID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ArchiveThread(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.Archive(c.Request().Context(), me, threadID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type addParticipantRequest struct {
	ParticipantID uuid.UUID `json:"participant_id"`
}

func (h *Handler) AddParticipant(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req addParticipantRequest
	if err := c.Bind(&req); err != nil || req.ParticipantID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "participant_id is required")
	}

	wrapped, err := h.svc.AddParticipant(c.Request().Context(), me, threadID, req.ParticipantID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, wrapped)
}

func (h *Handler) RemoveParticipant(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	leaver, err := pathUUID(c, "participant")
	if err != nil {
		return err
	}

	wrapped, err := h.svc.RemoveParticipant(c.Request().Context(), me, threadID, leaver)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"wrapped_keys": wrapped})
}

type appendMessageRequest struct {
	Plaintext   string          `json:"plaintext"`
	Critical    bool            `json:"critical"`
	Attachments []AttachmentRef `json:"attachments"`
	InReplyTo   uuid.UUID       `json:"in_reply_to"`
}

func (h *Handler) AppendMessage(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req appendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Plaintext == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "plaintext is required")
	}

	m, err := h.svc.Append(c.Request().Context(), AppendInput{
		ThreadID:    threadID,
		Sender:      me,
		Plaintext:   []byte(req.Plaintext),
		Critical:    req.Critical,
		Attachments: req.Attachments,
		InReplyTo:   req.InReplyTo,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListMessages(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	msgs, cursor, err := h.svc.ListSince(c.Request().Context(), threadID, me, c.QueryParam("cursor"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"cursor":   cursor,
	})
}

func (h *Handler) ReadMessage(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	messageID, err := pathUUID(c, "message")
	if err != nil {
		return err
	}

	plaintext, err := h.svc.Decrypt(c.Request().Context(), threadID, me, messageID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"plaintext": string(plaintext)})
}

type markReadRequest struct {
	UptoSeq int64 `json:"upto_seq"`
}

func (h *Handler) MarkRead(c echo.Context) error {
	me, err := caller(c)
	if err != nil {
		return err
	}
	threadID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req markReadRequest
	if err := c.Bind(&req); err != nil || req.UptoSeq <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "upto_seq must be positive")
	}

	if err := h.svc.MarkRead(c.Request().Context(), threadID, me, req.UptoSeq); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
