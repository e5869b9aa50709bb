// Package httpapi implements the relay's HTTP admin surface: health check
// and read-only channel/stats inspection. It runs on the same TCP port as
// the WebSocket signaling endpoint, just a different route set.
package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kodeholic9/mini-livechat/internal/channels"
	"github.com/kodeholic9/mini-livechat/internal/users"
)

// Server exposes read-only admin endpoints over the live registries.
type Server struct {
	users    *users.Registry
	channels *channels.Registry
}

// New returns a Server bound to the given registries.
func New(u *users.Registry, c *channels.Registry) *Server {
	return &Server{users: u, channels: c}
}

// Register mounts every route on e, installing the shared error handler so
// every error response is a consistent {"error": "..."} JSON body.
func (s *Server) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	e.GET("/health", s.handleHealth)
	e.GET("/api/channels", s.handleChannels)
	e.GET("/api/stats", s.handleStats)
}

// healthResponse is the payload for GET /health.
type healthResponse struct {
	Status string `json:"status"`
	Users  int    `json:"users"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Users:  s.users.Count(),
	})
}

// channelSummary is one element in the GET /api/channels array.
type channelSummary struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Freq      string `json:"freq"`
	Capacity  int    `json:"capacity"`
	Members   int    `json:"members"`
}

func (s *Server) handleChannels(c echo.Context) error {
	chans := s.channels.List()
	resp := make([]channelSummary, 0, len(chans))
	for _, ch := range chans {
		resp = append(resp, channelSummary{
			ChannelID: ch.ChannelID,
			Name:      ch.Name,
			Freq:      ch.Freq,
			Capacity:  ch.Capacity,
			Members:   len(ch.Members()),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// statsResponse is the payload for GET /api/stats.
type statsResponse struct {
	Channels    int `json:"channels"`
	FloorsTaken int `json:"floors_taken"`
}

func (s *Server) handleStats(c echo.Context) error {
	chans := s.channels.List()
	return c.JSON(http.StatusOK, statsResponse{
		Channels:    len(chans),
		FloorsTaken: s.channels.CountTaken(),
	})
}

// jsonErrorHandler ensures every error response has a consistent JSON body:
//
//	{"error": "message"}
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}
