package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"minbar-cast/internal/api/handlers"
	"minbar-cast/internal/api/middleware"
	"minbar-cast/internal/config"
	"minbar-cast/internal/convert"
	"minbar-cast/internal/dispatch"
	"minbar-cast/internal/encoder"
	"minbar-cast/internal/session"
)

type Server struct {
	cfg        *config.Config
	arb        *session.Arbiter
	enc        *encoder.Manager
	queue      *convert.Queue
	dispatcher *dispatch.Dispatcher
	router     *gin.Engine
}

func New(cfg *config.Config, arb *session.Arbiter, enc *encoder.Manager, queue *convert.Queue) *Server {
	if cfg.Server.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:        cfg,
		arb:        arb,
		enc:        enc,
		queue:      queue,
		dispatcher: dispatch.New(arb, enc),
		router:     gin.Default(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}

	// "Authorization" must be allowed so the dashboard can send the JWT
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}

	s.router.Use(cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	broadcastHandler := handlers.NewBroadcastHandler(s.arb)
	convertHandler := handlers.NewConvertHandler(s.queue)

	// Health check: liveness only, never mutates state
	s.router.GET("/health", func(c *gin.Context) {
		queued, processing := s.queue.Depth()
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"services": gin.H{
				"realtime_channel":  true,
				"active_session":    s.arb.HasSession(),
				"encoder_streaming": s.enc.IsStreaming(),
				"conversion_queue": gin.H{
					"queued":     queued,
					"processing": processing,
				},
			},
			"timestamp": time.Now().UTC(),
		})
	})

	auth := middleware.RequireAuth([]byte(s.cfg.Auth.JWTSecret))

	// The presenter's realtime channel (control + audio frames)
	s.router.GET("/ws", auth, s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(auth)
	{
		broadcast := api.Group("/broadcast")
		{
			broadcast.POST("/mute", broadcastHandler.Mute)
			broadcast.POST("/unmute", broadcastHandler.Unmute)
			broadcast.POST("/monitor", broadcastHandler.Monitor)
			broadcast.POST("/audio/play", broadcastHandler.PlayAudio)
			broadcast.POST("/audio/stop", broadcastHandler.StopAudio)
			broadcast.POST("/audio/pause", broadcastHandler.PauseAudio)
			broadcast.POST("/audio/resume", broadcastHandler.ResumeAudio)
			broadcast.POST("/audio/seek", broadcastHandler.SeekAudio)
			broadcast.POST("/audio/skip", broadcastHandler.SkipAudio)
		}

		api.POST("/emergency-stop", middleware.RequireRole("admin"), broadcastHandler.EmergencyStop)

		api.POST("/convert-audio", convertHandler.ConvertAudio)
		api.GET("/convert-status/:jobId", convertHandler.ConvertStatus)
	}
}

// handleWebSocket upgrades the authenticated request and hands the connection
// to the dispatcher until it drops.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("⚠️ Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Presenter audio frames can be large; the default read limit is too small
	conn.SetReadLimit(1 << 20)

	id := session.Identity{
		ID:    c.GetString("user_id"),
		Email: c.GetString("user_email"),
		Role:  c.GetString("user_role"),
	}
	log.Printf("🔗 Realtime connection from %s (%s)", id.Email, id.Role)

	s.dispatcher.HandleConnection(c.Request.Context(), conn, id)
}

// Start runs the server on the configured port
func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}
