// Package adminapi is the read-only (plus a couple of operator actions)
// status HTTP surface: an informative exit/error surface for outer tools,
// not part of the wire protocol itself. gin.ReleaseMode, a single
// gin.Recovery()-wrapped router, a versioned route group, graceful
// http.Server.Shutdown.
package adminapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"usbtunnel/internal/engine"
	"usbtunnel/internal/guest"
)

// DeviceState holds the device-side shell's currently attached Engine, if
// any: the outer server accepts one client at a time, so there is at most
// one live Engine to report on. main swaps it in/out as
// connections come and go.
type DeviceState struct {
	mu      sync.RWMutex
	current *engine.Engine
}

func (s *DeviceState) Set(e *engine.Engine) {
	s.mu.Lock()
	s.current = e
	s.mu.Unlock()
}

func (s *DeviceState) Current() *engine.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// GuestState is DeviceState's mirror for the guest-side shell.
type GuestState struct {
	mu      sync.RWMutex
	current *guest.Session
}

func (s *GuestState) Set(sess *guest.Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

func (s *GuestState) Current() *guest.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Server wraps an http.Server running a gin router; Start is non-blocking,
// Shutdown is graceful.
type Server struct {
	httpSrv *http.Server
}

func newServer(addr string, router *gin.Engine) *Server {
	return &Server{httpSrv: &http.Server{Addr: addr, Handler: router}}
}

// Start begins serving on its own goroutine. errc, if non-nil, receives
// the one terminal error from ListenAndServe (nil is never sent for a
// graceful Shutdown).
func (s *Server) Start(errc chan<- error) {
	go func() {
		err := s.httpSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed && errc != nil {
			errc <- err
		}
	}()
}

// Shutdown gracefully stops the server, waiting up to 5 seconds for
// in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	return router
}

// NewDeviceServer builds the device-side admin API: connection status,
// endpoint table snapshot, filter decision log, and a manual reset action.
func NewDeviceServer(addr string, state *DeviceState) *Server {
	router := newRouter()
	api := router.Group("/api/v1")
	{
		api.GET("/health", handleHealth)
		api.GET("/status", deviceStatusHandler(state))
		api.GET("/filter-decisions", filterDecisionsHandler(state))
		api.POST("/reset", deviceResetHandler(state))
	}
	return newServer(addr, router)
}

// NewGuestServer builds the guest-side admin API: negotiated device state
// and the handful of operator-issuable commands (set configuration,
// reset).
func NewGuestServer(addr string, state *GuestState) *Server {
	router := newRouter()
	api := router.Group("/api/v1")
	{
		api.GET("/health", handleHealth)
		api.GET("/status", guestStatusHandler(state))
		api.POST("/configuration", guestConfigurationHandler(state))
		api.POST("/reset", guestResetHandler(state))
	}
	return newServer(addr, router)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func deviceStatusHandler(state *DeviceState) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := state.Current()
		if e == nil {
			c.JSON(http.StatusOK, gin.H{"attached": false})
			return
		}
		c.JSON(http.StatusOK, e.Snapshot())
	}
}

func filterDecisionsHandler(state *DeviceState) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := state.Current()
		if e == nil {
			c.JSON(http.StatusOK, gin.H{"decisions": []engine.FilterDecision{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"decisions": e.FilterDecisions()})
	}
}

func deviceResetHandler(state *DeviceState) gin.HandlerFunc {
	return func(c *gin.Context) {
		e := state.Current()
		if e == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no device attached"})
			return
		}
		e.AdminTriggerReset()
		c.JSON(http.StatusOK, gin.H{"status": "reset requested"})
	}
}

func guestStatusHandler(state *GuestState) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := state.Current()
		if sess == nil {
			c.JSON(http.StatusOK, gin.H{"connected": false})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	}
}

type configurationRequest struct {
	Configuration uint8 `json:"configuration"`
}

func guestConfigurationHandler(state *GuestState) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := state.Current()
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no active session"})
			return
		}
		var req configurationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		sess.RequestConfiguration(req.Configuration)
		c.JSON(http.StatusOK, gin.H{"status": "configuration requested"})
	}
}

func guestResetHandler(state *GuestState) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := state.Current()
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no active session"})
			return
		}
		sess.RequestReset()
		c.JSON(http.StatusOK, gin.H{"status": "reset requested"})
	}
}
