package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bytedance/sonic"
	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
)

var jsonAPI = sonic.ConfigStd

// Publisher emits bridge status changes and request summaries. A nil
// Publisher is valid and drops everything.
type Publisher struct {
	client *Client
	nodeID string
	log    *slog.Logger
}

func NewPublisher(client *Client, nodeID string, log *slog.Logger) *Publisher {
	if client == nil {
		return nil
	}
	return &Publisher{
		client: client,
		nodeID: nodeID,
		log:    log.With(slog.String("component", "bus-publisher")),
	}
}

// PublishStatus broadcasts a lifecycle transition on tts.bridge.status.
func (p *Publisher) PublishStatus(status protocol.BridgeStatus) error {
	if p == nil {
		return nil
	}
	if status.NodeID == "" {
		status.NodeID = p.nodeID
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	return p.publish(protocol.SubjectBridgeStatus, status)
}

// PublishRequest broadcasts a finished request on tts.bridge.request.<outcome>.
func (p *Publisher) PublishRequest(sum protocol.RequestSummary) error {
	if p == nil {
		return nil
	}
	return p.publish(protocol.RequestSubject(sum.Outcome), sum)
}

func (p *Publisher) publish(subject string, v any) error {
	payload, err := jsonAPI.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := p.client.Conn().Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
