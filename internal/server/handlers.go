package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/micbridge/micbridge/internal/ingest"
	"github.com/micbridge/micbridge/internal/relay"
)

// maxAudioBytes caps a single uploaded chunk; the recorder page sends
// one-second WAV chunks well below this.
const maxAudioBytes = 10 << 20

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/bridge", s.handleBridge)
	e.POST("/recognize", s.handleRecognize)
	e.POST("/push", s.handlePush)
	e.GET("/pull", s.handlePull)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.String(http.StatusOK, "OK. See /health, /bridge, /recognize, /push, /pull.")
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":         true,
		"model":      s.modelName,
		"model_ok":   s.modelOK(),
		"vocab":      s.vocabSize,
		"uptime_sec": math.Round(time.Since(s.start).Seconds()*100) / 100,
	})
}

func (s *Server) handleBridge(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, bridgeHTML)
}

// resolveKey maps the client's identifier fields onto one relay key. The
// pairing code wins over the uid when both are present.
func resolveKey(code, uid string) (relay.Key, error) {
	key, err := relay.ResolveKey(relay.Code(code), relay.UID(uid))
	if err != nil {
		if errors.Is(err, relay.ErrNoKey) {
			return "", echo.NewHTTPError(http.StatusBadRequest, "missing code or uid")
		}
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid code or uid")
	}
	return key, nil
}

func (s *Server) handleRecognize(c echo.Context) error {
	key, err := resolveKey(c.FormValue("code"), c.FormValue("uid"))
	if err != nil {
		return err
	}

	header, err := c.FormFile("audio")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing audio file")
	}
	if header.Size > maxAudioBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "audio chunk too large")
	}
	file, err := header.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, maxAudioBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
	}

	res := s.ingest.SubmitAudio(c.Request().Context(), key, raw)
	body := map[string]any{"ok": true, "token": nil}
	switch res.Outcome {
	case ingest.AudioAccepted:
		body["token"] = res.Token
	case ingest.AudioDecodeFailed:
		body["note"] = "decode_failed"
	}
	return c.JSON(http.StatusOK, body)
}

type pushRequest struct {
	Code   string   `json:"code"`
	UID    string   `json:"uid"`
	Token  string   `json:"token"`
	Tokens []string `json:"tokens"`
}

func (s *Server) handlePush(c echo.Context) error {
	var req pushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	key, err := resolveKey(req.Code, req.UID)
	if err != nil {
		return err
	}
	tokens := req.Tokens
	if len(tokens) == 0 && req.Token != "" {
		tokens = []string{req.Token}
	}
	if len(tokens) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing token field")
	}

	queued := s.ingest.SubmitTokens(c.Request().Context(), key, tokens)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "queued": queued})
}

func (s *Server) handlePull(c echo.Context) error {
	key, err := resolveKey(c.QueryParam("code"), c.QueryParam("uid"))
	if err != nil {
		return err
	}
	tokens := s.ingest.Poll(c.Request().Context(), key)
	return c.JSON(http.StatusOK, map[string]any{"tokens": tokens})
}
