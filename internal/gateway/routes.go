package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wagate-dev/wagate/internal/protocol"
	"github.com/wagate-dev/wagate/internal/session"
)

const pairingWait = 30 * time.Second

func (s *Service) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.startedAt).String(),
			"component": "wagate",
			"sessions":  len(s.registry.Snapshot()),
		})
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.engine.POST("/sessions", s.addSession)
	s.engine.GET("/sessions/:id", s.findSession)
	s.engine.GET("/sessions/:id/status", s.sessionStatus)
	s.engine.DELETE("/sessions/:id", s.deleteSession)
	s.engine.GET("/sessions/:id/chats", s.listChats(protocol.UserSuffix))
	s.engine.GET("/sessions/:id/groups", s.listChats(protocol.GroupSuffix))
	s.engine.POST("/sessions/:id/messages", s.sendMessage)
}

func (s *Service) addSession(c *gin.Context) {
	var req struct {
		ID       string `json:"id" binding:"required"`
		IsLegacy bool   `json:"is_legacy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required field: id"})
		return
	}
	mode := session.ModeStandard
	if req.IsLegacy {
		mode = session.ModeLegacy
	}

	var sink *session.PairingSink
	if c.Query("qr") == "true" {
		sink = session.NewPairingSink()
	}

	// Session lifetime outlives the request; the dial must not be bound
	// to the request context.
	err := s.manager.Create(context.Background(), req.ID, mode, sink)
	switch {
	case errors.Is(err, session.ErrSessionExists):
		c.JSON(http.StatusConflict, gin.H{"error": "session already exists, please use another id"})
		return
	case errors.Is(err, session.ErrIdentityEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to create session"})
		return
	}

	if sink == nil {
		c.JSON(http.StatusCreated, gin.H{"message": "session created"})
		return
	}

	waitCtx, cancel := context.WithTimeout(c.Request.Context(), pairingWait)
	defer cancel()
	res, err := sink.Wait(waitCtx)
	if err != nil || res.Err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to create session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "QR code received, please scan the QR code",
		"qr":      res.QRCode,
	})
}

func (s *Service) findSession(c *gin.Context) {
	if !s.registry.Exists(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session found"})
}

func (s *Service) sessionStatus(c *gin.Context) {
	status, err := s.manager.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Service) deleteSession(c *gin.Context) {
	err := s.manager.Delete(c.Request.Context(), c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

func (s *Service) listChats(suffix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		handle, err := s.registry.Get(c.Param("id"))
		if err != nil || handle.Store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"chats": handle.Store.ChatsWithSuffix(suffix)})
	}
}

func (s *Service) sendMessage(c *gin.Context) {
	handle, err := s.registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	var req struct {
		Receiver string          `json:"receiver" binding:"required"`
		Message  json.RawMessage `json:"message" binding:"required"`
		IsGroup  bool            `json:"is_group"`
		DelayMS  int             `json:"delay_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required fields: receiver and message"})
		return
	}

	receiver := protocol.FormatPhone(req.Receiver)
	if req.IsGroup {
		receiver = protocol.FormatGroup(req.Receiver)
	}
	exists, err := handle.Client.ReceiverExists(c.Request.Context(), receiver, req.IsGroup)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to send message"})
		return
	}
	if !exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receiver not found on the network"})
		return
	}
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if err := s.dispatcher.SendMessage(c.Request.Context(), handle, receiver, req.Message, delay); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unable to send message"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "message sent"})
}
