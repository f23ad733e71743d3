package conversation

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	orc   *Orchestrator
	store *Store
}

func NewHandler(orc *Orchestrator, store *Store) *Handler {
	return &Handler{orc: orc, store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/conversations", h.CreateConversation)
	api.GET("/conversations/:id", h.GetConversation)
	api.DELETE("/conversations/:id", h.DeleteConversation)
	api.POST("/conversations/:id/messages", h.PostMessage)
}

func (h *Handler) CreateConversation(c echo.Context) error {
	s := h.store.Create()
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetConversation(c echo.Context) error {
	s, ok := h.store.Snapshot(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteConversation(c echo.Context) error {
	err := h.orc.Abandon(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PostMessage(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	resp, err := h.orc.ProcessTurn(c.Request().Context(), c.Param("id"), req.Message)
	if errors.Is(err, ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
