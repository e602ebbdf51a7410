// Package devserver is an in-process simulator of the event platform's REST
// and push-channel surface. It exists for local development and for the e2e
// tests of the sync client; it is not a production server.
package devserver

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/TomPython98/pinit-backend-sub005/models"
	"github.com/TomPython98/pinit-backend-sub005/pkg/changes"
	"github.com/TomPython98/pinit-backend-sub005/types"
)

// Server bundles the in-memory store, the push hub, and the gin router.
type Server struct {
	store  *memoryStore
	hub    *Hub
	secret string
	router *gin.Engine
}

func New(secret string) *Server {
	s := &Server{
		store:  newMemoryStore(),
		hub:    NewHub(),
		secret: secret,
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the gin engine, e.g. for httptest.NewServer.
func (s *Server) Router() *gin.Engine { return s.router }

// Seed installs demo events for the given usernames.
func (s *Server) Seed(usernames []string) { s.store.Seed(usernames) }

// Force429 makes the next n discovery requests fail with 429.
func (s *Server) Force429(n int) { s.store.setForce429(n) }

// CreateEvent inserts an event and announces it on the push channel.
func (s *Server) CreateEvent(e models.Event) models.Event {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.store.put(e)
	s.notify(changes.KindCreated, e.ID.String())
	return e
}

// UpdateEvent replaces an event and announces the change.
func (s *Server) UpdateEvent(e models.Event) bool {
	if _, ok := s.store.get(e.ID.String()); !ok {
		return false
	}
	s.store.put(e)
	s.notify(changes.KindUpdated, e.ID.String())
	return true
}

// DeleteEvent removes an event and announces the deletion.
func (s *Server) DeleteEvent(id string) bool {
	if !s.store.delete(id) {
		return false
	}
	s.notify(changes.KindDeleted, id)
	return true
}

// BroadcastRaw pushes an arbitrary frame, malformed ones included, to every
// connected client. Used to reproduce the truncated-frame condition.
func (s *Server) BroadcastRaw(frame []byte) { s.hub.Broadcast(frame) }

func (s *Server) notify(kind changes.Kind, eventID string) {
	frame, _ := json.Marshal(struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}{Type: string(kind), EventID: eventID})
	s.hub.Broadcast(frame)
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(accessLogMiddleware())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	limiter := rate.NewLimiter(rate.Limit(200), 400)
	auth := r.Group("/", authMiddleware(s.secret), rateLimitMiddleware(s.store, limiter))
	{
		auth.GET("/events", s.listEvents)
		auth.GET("/events/enhanced_search", s.enhancedSearch)
		auth.POST("/events/rsvp", s.rsvp)
		auth.GET("/ws/events/:username", serveWS(s.hub))
	}

	admin := r.Group("/admin")
	{
		admin.GET("/token", s.issueToken)
		admin.POST("/events", s.adminCreate)
		admin.PATCH("/events/:id", s.adminUpdate)
		admin.DELETE("/events/:id", s.adminDelete)
		admin.POST("/force429", s.adminForce429)
	}
	return r
}

func (s *Server) listEvents(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "user is required"))
		return
	}
	if user != c.GetString("username") {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(types.ErrorCodeForbidden, "cannot list events for another user"))
		return
	}
	c.JSON(http.StatusOK, s.store.listForUser(user))
}

func (s *Server) enhancedSearch(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.listAll())
}

func (s *Server) rsvp(c *gin.Context) {
	var req types.RSVPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	if req.Username != c.GetString("username") {
		c.JSON(http.StatusForbidden, types.NewErrorResponse(types.ErrorCodeForbidden, "cannot rsvp for another user"))
		return
	}
	attending, ok := s.store.toggleRsvp(req.Username, req.EventID)
	if !ok {
		c.JSON(http.StatusOK, types.RSVPResponse{Success: false, Message: "event not found"})
		return
	}
	s.notify(changes.KindUpdated, req.EventID)
	c.JSON(http.StatusOK, types.RSVPResponse{Success: true, Message: "rsvp recorded", IsAttending: attending})
}

func (s *Server) issueToken(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "user is required"))
		return
	}
	token, err := TokenFor(s.secret, user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.ErrorCodeInternal, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) adminCreate(c *gin.Context) {
	var e models.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	c.JSON(http.StatusCreated, s.CreateEvent(e))
}

func (s *Server) adminUpdate(c *gin.Context) {
	var e models.Event
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, "invalid event id"))
		return
	}
	e.ID = id
	if !s.UpdateEvent(e) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCodeNotFound, "event not found"))
		return
	}
	c.JSON(http.StatusOK, e)
}

func (s *Server) adminDelete(c *gin.Context) {
	if !s.DeleteEvent(c.Param("id")) {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrorCodeNotFound, "event not found"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) adminForce429(c *gin.Context) {
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCodeValidation, err.Error()))
		return
	}
	s.store.setForce429(req.Count)
	c.JSON(http.StatusOK, gin.H{"count": req.Count})
}
