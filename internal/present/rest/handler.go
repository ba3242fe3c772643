package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/present/rest/middleware"
	"github.com/graffiti-garden/graffiti-go/internal/present/rest/presenter"
	"github.com/graffiti-garden/graffiti-go/internal/service"
	"github.com/graffiti-garden/graffiti-go/internal/usecase"
)

type Handler struct {
	objects   *usecase.ObjectUsecase
	discovery *usecase.DiscoveryUsecase
	signal    *service.SignalService
}

func NewHandler(
	objects *usecase.ObjectUsecase,
	discovery *usecase.DiscoveryUsecase,
	signal *service.SignalService,
) *Handler {
	return &Handler{
		objects:   objects,
		discovery: discovery,
		signal:    signal,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Use(middleware.ExtractSession)
	e.POST("/objects", h.handlePost)
	e.GET("/objects/:url", h.handleGet)
	e.DELETE("/objects/:url", h.handleDelete)
	e.GET("/discover", h.handleDiscover)
	e.GET("/continue", h.handleContinue)
	e.GET("/orphans", h.handleOrphans)
	e.GET("/realtime", h.handleRealtime)
}

func (h *Handler) handlePost(c echo.Context) error {
	ctx := c.Request().Context()

	var input graffiti.PostInput
	if err := c.Bind(&input); err != nil {
		return presenter.BadRequest(c, err)
	}

	obj, err := h.objects.Post(ctx, input, middleware.SessionFrom(ctx))
	if err != nil {
		return presentError(c, err)
	}
	return presenter.OK(c, obj)
}

func (h *Handler) handleGet(c echo.Context) error {
	ctx := c.Request().Context()

	objectURL, err := url.QueryUnescape(c.Param("url"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid url")
	}

	schemaDoc, err := schemaParam(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid schema parameter")
	}

	obj, err := h.objects.Get(ctx, objectURL, schemaDoc, middleware.SessionFrom(ctx))
	if err != nil {
		return presentError(c, err)
	}
	return presenter.OK(c, obj)
}

func (h *Handler) handleDelete(c echo.Context) error {
	ctx := c.Request().Context()

	objectURL, err := url.QueryUnescape(c.Param("url"))
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid url")
	}

	if err := h.objects.Delete(ctx, objectURL, middleware.SessionFrom(ctx)); err != nil {
		return presentError(c, err)
	}
	return presenter.OK(c, echo.Map{"status": "ok"})
}

// DiscoverResponse carries a drained discovery stream and the cursor
// that resumes it.
type DiscoverResponse struct {
	Events []graffiti.DiscoverEvent `json:"events"`
	Cursor string                   `json:"cursor"`
}

func (h *Handler) handleDiscover(c echo.Context) error {
	ctx := c.Request().Context()

	channelsParam := c.QueryParam("channels")
	if channelsParam == "" {
		return presenter.BadRequestMessage(c, "channels parameter is required")
	}
	channels := strings.Split(channelsParam, ",")

	schemaDoc, err := schemaParam(c)
	if err != nil {
		return presenter.BadRequestMessage(c, "invalid schema parameter")
	}

	stream, err := h.discovery.Discover(ctx, channels, schemaDoc, middleware.SessionFrom(ctx))
	if err != nil {
		return presentError(c, err)
	}
	return drainStream(c, stream)
}

func (h *Handler) handleContinue(c echo.Context) error {
	ctx := c.Request().Context()

	cursor := c.QueryParam("cursor")
	if cursor == "" {
		return presenter.BadRequestMessage(c, "cursor parameter is required")
	}

	stream, err := h.discovery.Continue(ctx, cursor, middleware.SessionFrom(ctx))
	if err != nil {
		return presentError(c, err)
	}
	return drainStream(c, stream)
}

func drainStream(c echo.Context, stream *usecase.DiscoverStream) error {
	ctx := c.Request().Context()

	events := make([]graffiti.DiscoverEvent, 0)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return presenter.InternalError(c, err)
		}
		if ev == nil {
			break
		}
		events = append(events, *ev)
	}

	return presenter.OK(c, DiscoverResponse{
		Events: events,
		Cursor: stream.Continuation().Cursor,
	})
}

func (h *Handler) handleOrphans(c echo.Context) error {
	ctx := c.Request().Context()

	urls, err := h.objects.Orphans(ctx, middleware.SessionFrom(ctx))
	if err != nil {
		return presentError(c, err)
	}
	return presenter.OK(c, echo.Map{"urls": urls})
}

func schemaParam(c echo.Context) (any, error) {
	raw := c.QueryParam("schema")
	if raw == "" {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func presentError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, graffiti.ErrNotFound):
		return presenter.NotFound(c, err.Error())
	case errors.Is(err, graffiti.ErrForbidden):
		return presenter.Forbidden(c, err)
	case errors.Is(err, graffiti.ErrSchemaMismatch):
		return presenter.NotFound(c, err.Error())
	case errors.Is(err, graffiti.ErrInvalidSchema), errors.Is(err, graffiti.ErrInvalidURL):
		return presenter.BadRequest(c, err)
	default:
		return presenter.InternalError(c, err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type realtimeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

func (h *Handler) handleRealtime(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"Failed to upgrade WebSocket",
			slog.String("error", err.Error()),
			slog.String("module", "socket"),
		)
		return err
	}
	defer func() {
		ws.Close()
	}()

	ctx := c.Request().Context()

	input := make(chan []string)
	defer close(input)
	output := make(chan graffiti.ChangeEvent)

	go h.signal.Realtime(ctx, input, output)

	quit := make(chan struct{})

	go func() {
		for {
			var req realtimeRequest
			err := ws.ReadJSON(&req)
			if err != nil {

				wsErr, ok := err.(*websocket.CloseError)
				if ok {
					if !(wsErr.Code == websocket.CloseNormalClosure || wsErr.Code == websocket.CloseGoingAway) {
						slog.DebugContext(
							ctx, "WebSocket closed",
							slog.String("error", wsErr.Error()),
							slog.String("module", "socket"),
						)
					}
				} else {
					slog.ErrorContext(
						ctx, "Error reading message",
						slog.String("error", err.Error()),
						slog.String("module", "socket"),
					)
				}

				quit <- struct{}{}
				break
			}

			switch req.Type {
			case "listen":
				input <- req.Channels
				slog.DebugContext(
					ctx, fmt.Sprintf("Socket subscribe: %s", req.Channels),
					slog.String("module", "socket"),
				)
			case "h": // heartbeat
				// do nothing
			default:
				slog.InfoContext(
					ctx, "Unknown request type",
					slog.String("type", req.Type),
					slog.String("module", "socket"),
				)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case event := <-output:
			err := ws.WriteJSON(event)
			if err != nil {
				slog.ErrorContext(
					ctx, "Error writing message",
					slog.String("error", err.Error()),
					slog.String("module", "socket"),
				)
				return nil
			}
		}
	}
}
