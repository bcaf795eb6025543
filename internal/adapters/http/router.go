package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/opencrm/callkit/internal/app"
	"github.com/opencrm/callkit/internal/domain"
)

// AuthTokenMiddleware rejects requests lacking the configured client token.
// An empty token disables the check, which is the default for a loopback
// control API.
func AuthTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && c.GetHeader("X-Auth-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// SetupRouter exposes the call engine as a local control API.
func SetupRouter(mode, token string, session *app.Session) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(AuthTokenMiddleware(token))

	log.Info().Str("module", "adapters.http").Str("mode", mode).Msg("router setup")

	api := r.Group("/api")

	api.GET("/call", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusOf(session))
	})

	api.POST("/call/direct", func(c *gin.Context) {
		var req struct {
			CallType       string `json:"callType"`
			ConversationID string `json:"conversationId"`
			RecipientID    string `json:"recipientId"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		callType, err := domain.ParseCallType(req.CallType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown callType"})
			return
		}
		call, err := session.Initiate(c.Request.Context(), app.InitiateParams{
			Type:           callType,
			Mode:           domain.ModeDirect,
			ConversationID: domain.ConversationID(req.ConversationID),
			RecipientID:    domain.UserID(req.RecipientID),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"callId": call.ID})
	})

	api.POST("/call/group", func(c *gin.Context) {
		var req struct {
			CallType   string `json:"callType"`
			ChatRoomID string `json:"chatRoomId"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		callType, err := domain.ParseCallType(req.CallType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown callType"})
			return
		}
		call, err := session.Initiate(c.Request.Context(), app.InitiateParams{
			Type:   callType,
			Mode:   domain.ModeGroup,
			RoomID: domain.RoomID(req.ChatRoomID),
		})
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"callId": call.ID})
	})

	api.POST("/call/accept", func(c *gin.Context) {
		if err := session.Accept(c.Request.Context()); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, statusOf(session))
	})

	api.POST("/call/reject", func(c *gin.Context) {
		if err := session.Reject(); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/call/end", func(c *gin.Context) {
		if err := session.End(); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/call/microphone", func(c *gin.Context) {
		enabled, err := session.ToggleMicrophone()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": enabled})
	})

	api.POST("/call/camera", func(c *gin.Context) {
		enabled, err := session.ToggleCamera()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": enabled})
	})

	api.POST("/call/screen-share", func(c *gin.Context) {
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
		var err error
		if req.Enabled {
			err = session.StartScreenShare(c.Request.Context())
		} else {
			err = session.StopScreenShare()
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enabled": session.ScreenSharing()})
	})

	return r
}

func statusOf(session *app.Session) gin.H {
	st := gin.H{
		"state":             session.State().String(),
		"participants":      session.Participants(),
		"microphoneEnabled": session.MicrophoneEnabled(),
		"cameraEnabled":     session.CameraEnabled(),
		"screenSharing":     session.ScreenSharing(),
	}
	if call := session.CurrentCall(); call != nil {
		st["call"] = gin.H{
			"callId":     call.ID,
			"mode":       call.Mode,
			"type":       call.Type,
			"role":       call.Role,
			"callerId":   call.CallerID,
			"callerName": call.CallerName,
		}
	}
	return st
}

func fail(c *gin.Context, err error) {
	var me *domain.MediaError
	switch {
	case errors.As(err, &me):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": me.Error(), "kind": me.Kind})
	case errors.Is(err, domain.ErrBadParams):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrCallInProgress),
		errors.Is(err, domain.ErrNoCall),
		errors.Is(err, domain.ErrBadState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
