// Package httpapi is the relay's HTTP surface: the websocket endpoint, health
// and state probes, the durable history read path, attachments and metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"

	"wardrelay/internal/blob"
	"wardrelay/internal/core"
	"wardrelay/internal/identity"
	"wardrelay/internal/metrics"
	"wardrelay/internal/protocol"
	"wardrelay/internal/store"
	"wardrelay/internal/ws"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	identityKey         = "identity"
)

// History is the durable message read path clients use to re-sync after a
// reconnect.
type History interface {
	GetMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error)
}

// Deps wires the HTTP surface. Only Registry and Directory are required.
type Deps struct {
	Registry  *core.Registry
	Directory *core.Directory
	History   History
	Blobs     *blob.Store
	WS        *ws.Handler
	Metrics   *metrics.Metrics
	// Resolver, when set, guards the /api routes with a bearer token.
	Resolver identity.Resolver
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	Deps
}

// New constructs an Echo app with websocket + REST routes.
func New(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("http request", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("http request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, Deps: deps}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	api := s.echo.Group("/api", s.requireIdentity)
	api.GET("/state", s.handleState)
	if s.History != nil {
		api.GET("/rooms/:id/messages", s.handleHistory)
	}
	if s.Blobs != nil {
		api.POST("/blobs", s.handleBlobUpload)
		// Downloads are linked from message.fileUrl and opened by browsers
		// that do not carry the bearer token.
		s.echo.GET("/api/blobs/:id", s.handleBlobDownload)
	}
	if s.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.Metrics.Handler()))
	}
	if s.WS != nil {
		s.WS.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

// requireIdentity resolves a bearer token when a resolver is configured.
func (s *Server) requireIdentity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Resolver == nil {
			return next(c)
		}
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "bearer token is required")
		}
		id, err := s.Resolver.Resolve(c.Request().Context(), strings.TrimSpace(token))
		if err != nil {
			s.Metrics.AuthFailed()
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

func callerID(c echo.Context) string {
	if id, ok := c.Get(identityKey).(protocol.Identity); ok {
		return id.ID
	}
	return ""
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Rooms   int    `json:"rooms"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.Registry.Count(),
		Rooms:   s.Directory.Count(),
	})
}

type stateResponse struct {
	Clients int                 `json:"clients"`
	Users   []protocol.Identity `json:"users"`
	Rooms   []protocol.Room     `json:"rooms"`
}

func (s *Server) handleState(c echo.Context) error {
	users := s.Registry.Identities()
	rooms := lo.Map(s.Directory.Rooms(), func(ri core.RoomInfo, _ int) protocol.Room {
		return ri.Wire(true)
	})
	return c.JSON(http.StatusOK, stateResponse{
		Clients: len(users),
		Users:   users,
		Rooms:   rooms,
	})
}

type historyResponse struct {
	RoomID   string                 `json:"roomId"`
	Messages []protocol.ChatMessage `json:"messages"`
}

func (s *Server) handleHistory(c echo.Context) error {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room id is required")
	}
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := s.History.GetMessages(c.Request().Context(), roomID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load history: %v", err))
	}
	msgs := lo.Map(rows, func(m store.Message, _ int) protocol.ChatMessage {
		return protocol.ChatMessage{
			ID:        m.ID,
			RoomID:    m.RoomID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Type:      m.Type,
			FileURL:   m.FileURL,
			FileName:  m.FileName,
			FileSize:  m.FileSize,
			ReplyTo:   m.ReplyTo,
			CreatedAt: m.CreatedAt,
		}
	})
	return c.JSON(http.StatusOK, historyResponse{RoomID: roomID, Messages: msgs})
}

type blobUploadResponse struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	Kind         string `json:"kind"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleBlobUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	meta, err := s.Blobs.Put(c.Request().Context(), blob.PutInput{
		Kind:         c.FormValue("kind"),
		OriginalName: fileHeader.Filename,
		ContentType:  strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType)),
		UploadedBy:   callerID(c),
		Reader:       src,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist blob: %v", err))
	}

	return c.JSON(http.StatusCreated, blobUploadResponse{
		ID:           meta.ID,
		URL:          "/api/blobs/" + meta.ID,
		Kind:         meta.Kind,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob id is required")
	}

	result, err := s.Blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open blob: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(result.Metadata.OriginalName)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	return strings.NewReplacer(`"`, "_", "\\", "_", "\r", "", "\n", "").Replace(name)
}
