package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/canvas"
	"github.com/canvasmate/internal/pipeline"
)

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	BoardID string            `json:"boardId"`
	Prompt  string            `json:"prompt"`
	Image   string            `json:"image"`
	Scene   []json.RawMessage `json:"scene,omitempty"`
}

// TurnRequest is the body of POST /turn: a model reply produced elsewhere.
type TurnRequest struct {
	BoardID  string `json:"boardId"`
	Response string `json:"response"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ClearRequest struct {
	BoardID string `json:"boardId"`
}

// BoardResponse is the persisted state of one board.
type BoardResponse struct {
	BoardID      string           `json:"boardId"`
	Elements     []canvas.Element `json:"elements"`
	AIElementIDs []string         `json:"aiElementIds"`
}

func (s *Server) boardID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return s.deps.DefaultBoardID
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) analyze(c echo.Context) error {
	var req AnalyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Image == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "image is required")
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var clientScene []canvas.Element
	if req.Scene != nil {
		clientScene = make([]canvas.Element, 0, len(req.Scene))
		for i, raw := range req.Scene {
			el, err := canvas.DecodeElement(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("scene element %d: %v", i, err))
			}
			clientScene = append(clientScene, el)
		}
	}

	res, err := s.deps.Orchestrator.Analyze(c.Request().Context(), pipeline.AnalyzeRequest{
		BoardID:  s.boardID(req.BoardID),
		Prompt:   req.Prompt,
		ImagePNG: image,
		Scene:    clientScene,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, errors.New("malformed data URL")
		}
		s = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	return data, nil
}

func (s *Server) turn(c echo.Context) error {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	res, err := s.deps.Orchestrator.RunTurn(c.Request().Context(), s.boardID(req.BoardID), req.Response)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) chat(c echo.Context) error {
	if s.deps.Chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Drawing backend is not enabled")
	}
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Message is required")
	}
	return c.JSON(http.StatusOK, s.deps.Chat.ProcessMessage(c.Request().Context(), req.Message))
}

func (s *Server) board(c echo.Context) error {
	id := s.boardID(c.QueryParam("boardId"))
	elements, aiIDs, err := s.deps.Orchestrator.Scene(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BoardResponse{BoardID: id, Elements: elements, AIElementIDs: aiIDs})
}

func (s *Server) clear(c echo.Context) error {
	var req ClearRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	id := s.boardID(req.BoardID)
	if err := s.deps.Orchestrator.Clear(c.Request().Context(), id); err != nil {
		return err
	}
	if s.deps.Drawing != nil {
		if err := s.deps.Drawing.ClearCanvas(c.Request().Context()); err != nil {
			log.Warn().Err(err).Str("board_id", id).Msg("Failed to clear drawing backend")
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) websocket(c echo.Context) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Live updates are not enabled")
	}
	id := s.boardID(c.QueryParam("boardId"))
	if err := s.deps.Hub.ServeWS(c.Response(), c.Request(), id); err != nil {
		// The upgrader has already answered the request.
		log.Debug().Err(err).Str("board_id", id).Msg("Viewer not joined")
	}
	return nil
}

// handleError renders every failure as {"error": "..."}.
func handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := http.StatusInternalServerError, "Internal server error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status, msg = he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, canvas.ErrInvalidModelOutput):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, canvas.ErrPersistence):
		status, msg = http.StatusServiceUnavailable, "Board storage is unavailable"
	case errors.Is(err, pipeline.ErrNoModel):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Request failed")
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, map[string]string{"error": msg})
	}
	if werr != nil {
		log.Error().Err(werr).Msg("Failed to write error response")
	}
}
