package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/erilali/studybuddy/internal/hub"
	"github.com/erilali/studybuddy/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

// ConnectNats connects to url and prepares the message stream. Any failure
// is logged and the server runs without NATS: both return values are nil
// when the connection fails, and js is nil when JetStream is unavailable.
func ConnectNats(url string, log *logger.Logger) (*nats.Conn, nats.JetStreamContext) {
	if url == "" {
		log.Info("NATS not configured, message mirroring disabled")
		return nil, nil
	}

	log.Infof("Connecting to NATS at %s", url)
	nc, err := nats.Connect(url, nats.Name("studybuddy"))
	if err != nil {
		log.Errorf("Error connecting to NATS: %v", err)
		log.Warn("Running without NATS connection. Message mirroring will be disabled.")
		return nil, nil
	}
	log.Info("Successfully connected to NATS")

	js, err := nc.JetStream()
	if err != nil {
		log.Errorf("Error getting JetStream context: %v", err)
		log.Warn("Running without JetStream. Message mirroring will be disabled.")
		return nc, nil
	}
	if err := hub.EnsureStream(js, log); err != nil {
		log.Errorf("Error preparing stream %s: %v", hub.MessageStream, err)
		return nc, nil
	}
	return nc, js
}

func (s *Server) health(c *gin.Context) {
	natsStatus := "disconnected"
	if s.nc != nil && s.nc.Status() == nats.CONNECTED {
		natsStatus = "connected"
	}

	health := gin.H{
		"status":   "ok",
		"nats":     natsStatus,
		"version":  version,
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"channels": s.hub.Registry().ChannelCount(),
	}

	if s.js != nil {
		info, err := s.js.StreamInfo(hub.MessageStream)
		if err == nil {
			health["jetstream"] = gin.H{
				"stream":    hub.MessageStream,
				"messages":  info.State.Msgs,
				"bytes":     info.State.Bytes,
				"subjects":  info.Config.Subjects,
				"retention": fmt.Sprintf("%v", info.Config.MaxAge),
			}
		} else {
			health["jetstream"] = gin.H{"error": err.Error()}
		}
	}
	c.JSON(http.StatusOK, health)
}
