package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/touristsafety/trackengine/internal/domain"
)

// wsUpgrader mirrors the handshake parameters the hub's pumps assume.
// Origin checking is deployment policy; the default accepts everything
// and is expected to be tightened behind the edge proxy.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// handleWebSocket authenticates the handshake, upgrades the connection,
// and hands it to the hub. The bearer token comes from the
// Authorization header or, for browser clients, ?token=.
func (a *API) handleWebSocket(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		respondError(c, domain.Unauthenticated("invalid token"))
		return
	}
	principal, name, err := a.verifier.Verify(token)
	if err != nil {
		respondError(c, domain.Unauthenticated("invalid token"))
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if principal.Role == domain.RoleTourist {
		a.engine.SetDisplayName(principal.ID, name)
	}
	s := a.engine.AttachSession(principal, conn)
	a.logger.Info("session connected",
		zap.String("sessionId", s.ID),
		zap.String("principal", principal.ID),
		zap.String("role", string(principal.Role)),
	)
}
