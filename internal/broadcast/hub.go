package broadcast

import (
	"context"

	"skyhawk/internal/storage"
	"skyhawk/internal/ws"
)

// HubPublisher pushes detection records to WebSocket subscribers.
type HubPublisher struct {
	hub *ws.Hub
}

// NewHubPublisher wraps a WebSocket hub as a Publisher.
func NewHubPublisher(hub *ws.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish broadcasts the record to subscribed clients.
func (p *HubPublisher) Publish(ctx context.Context, record *storage.DetectionRecord) error {
	p.hub.BroadcastAlert(ws.NewAlertMessage(record))
	return nil
}

// Close is a no-op; connections belong to the HTTP server.
func (p *HubPublisher) Close() {}
