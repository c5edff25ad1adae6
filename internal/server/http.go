// Package server exposes the sync engine to operators over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/sync"
)

// StatusReporter reports the state of each sync direction.
type StatusReporter interface {
	Statuses() []sync.Status
}

// HTTPServer serves the operator API.
type HTTPServer struct {
	echo     *echo.Echo
	syncer   sync.Syncer
	statuses StatusReporter
}

// SyncResponse is returned by the sync trigger endpoints.
type SyncResponse struct {
	Direction sync.Direction `json:"direction"`
	Count     int            `json:"count"`
}

// StatusResponse describes one sync direction.
type StatusResponse struct {
	Direction sync.Direction `json:"direction"`
	State     string         `json:"state"`
	LastSync  *time.Time     `json:"last_sync,omitempty"`
	LastCount int            `json:"last_count"`
	Error     string         `json:"error,omitempty"`
}

// NewHTTPServer wires the routes. statuses may be nil when no poller is
// running.
func NewHTTPServer(syncer sync.Syncer, statuses StatusReporter) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(log.Fields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency,
				"request_id": v.RequestID,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("Request failed")
				return nil
			}
			entry.Debug("Request handled")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	server := &HTTPServer{
		echo:     e,
		syncer:   syncer,
		statuses: statuses,
	}

	// Routes
	e.GET("/health", server.healthCheck)
	api := e.Group("/api/v1")
	api.POST("/sync/upload", server.runSync(sync.DirectionUpload))
	api.POST("/sync/download", server.runSync(sync.DirectionDownload))
	api.GET("/sync/status", server.syncStatus)

	return server
}

func (s *HTTPServer) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "mailsync",
	})
}

// runSync runs one direction to completion and reports the count.
func (s *HTTPServer) runSync(dir sync.Direction) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var count int
		var err error
		if dir == sync.DirectionUpload {
			count, err = s.syncer.Upload(ctx)
		} else {
			count, err = s.syncer.Download(ctx)
		}
		if err != nil {
			log.WithError(err).WithField("direction", dir).Error("Sync failed")
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": err.Error(),
			})
		}

		return c.JSON(http.StatusOK, SyncResponse{Direction: dir, Count: count})
	}
}

func (s *HTTPServer) syncStatus(c echo.Context) error {
	resp := []StatusResponse{}
	if s.statuses != nil {
		for _, st := range s.statuses.Statuses() {
			r := StatusResponse{
				Direction: st.Direction,
				State:     st.State.String(),
				LastCount: st.LastCount,
			}
			if !st.LastSync.IsZero() {
				last := st.LastSync.UTC()
				r.LastSync = &last
			}
			if st.Error != nil {
				r.Error = st.Error.Error()
			}
			resp = append(resp, r)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Handler returns the server's http.Handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

// Start listens on address and blocks until the server stops.
func (s *HTTPServer) Start(address string) error {
	log.Infof("Starting HTTP server on %s", address)
	return s.echo.Start(address)
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	log.Info("Shutting down HTTP server")
	return s.echo.Shutdown(ctx)
}
