package notify

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the cors middleware
	},
}

// WSHandler upgrades the request and keeps the client in the hub until it disconnects
func WSHandler(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		// greet before joining the hub so broadcasts never race this write
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"welcome"}`))

		hub.Add(ws)
		hub.logger.Debug("client connected", zap.String("remote", c.ClientIP()))

		// Ignore incoming messages; a read error means the client is gone
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}

		hub.Remove(ws)
		hub.logger.Debug("client disconnected")
	}
}
