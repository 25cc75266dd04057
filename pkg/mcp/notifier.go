package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/flowcore/internal/eventbus"
	"github.com/rendis/flowcore/pkg/schema"
)

// NotificationMethod is the MCP method lifecycle events are sent with.
const NotificationMethod = "notifications/message"

const lifecyclePrefix = "io.flowcore."

// ForwardEvents subscribes to the engine's lifecycle events and pushes each
// one to every connected client. The returned func stops forwarding.
func (s *Server) ForwardEvents(ctx context.Context) (func(), error) {
	events, unsubscribe, err := s.bus.Subscribe(ctx, eventbus.Filter{
		Predicate: func(e *schema.CloudEvent) bool { return strings.HasPrefix(e.Type, lifecyclePrefix) },
	})
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			s.mcpServer.SendNotificationToAllClients(NotificationMethod, notificationPayload(e))
		}
	}()
	return func() {
		unsubscribe()
		<-done
	}, nil
}

// notificationPayload is the logging-message shape MCP clients display.
func notificationPayload(e *schema.CloudEvent) map[string]any {
	data := map[string]any{}
	if raw, err := json.Marshal(e); err == nil {
		_ = json.Unmarshal(raw, &data)
	}
	return map[string]any{
		"level":  levelFor(e.Type),
		"logger": "flowcore",
		"data":   data,
	}
}

func levelFor(eventType string) string {
	if strings.Contains(eventType, ".faulted.") {
		return strings.ToLower(slog.LevelError.String())
	}
	return strings.ToLower(slog.LevelInfo.String())
}
