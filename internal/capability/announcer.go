package capability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Node describes what this process advertises on the bus.
type Node struct {
	ID           string
	Role         string
	Capabilities []Capability
}

// Announcer publishes a node announcement once and heartbeats until Close.
type Announcer struct {
	conn     *nats.Conn
	node     Node
	log      *slog.Logger
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func Start(conn *nats.Conn, node Node, interval time.Duration, log *slog.Logger) (*Announcer, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	a := &Announcer{
		conn:   conn,
		node:   node,
		log:    log.With(slog.String("component", "capability-announcer")),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	if err := a.announce(); err != nil {
		a.ticker.Stop()
		return nil, fmt.Errorf("announce node: %w", err)
	}
	a.wg.Add(1)
	go a.runHeartbeat()
	return a, nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	a.stopOnce.Do(func() {
		a.ticker.Stop()
		close(a.done)
	})
	a.wg.Wait()
}

func (a *Announcer) runHeartbeat() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case <-a.ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) announce() error {
	return a.publish(SubjectAnnounce, announceMessage{
		NodeID:       a.node.ID,
		Role:         a.node.Role,
		Capabilities: a.node.Capabilities,
		Timestamp:    time.Now().UTC(),
	})
}

func (a *Announcer) publishHeartbeat() error {
	return a.publish(HeartbeatSubject(a.node.ID), heartbeatMessage{
		NodeID:    a.node.ID,
		Timestamp: time.Now().UTC(),
	})
}

func (a *Announcer) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.conn.Publish(subject, payload)
}

func HeartbeatSubject(nodeID string) string {
	return fmt.Sprintf("%s.%s", SubjectHeartbeatPrefix, nodeID)
}
