// Package eventbus fans WebSocket deliveries out across server
// instances. Each instance publishes the events it originates and
// replays events published by the others to its own local sockets, so a
// player's connection may live on any instance.
package eventbus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis Pub/Sub channel carrying every cross-instance
// event. Pub/Sub gives at-most-once delivery, which matches the
// contract: missed events are recovered by request_game_sync.
const Channel = "arbiter:events"

const (
	eventTypeBroadcast = "broadcast"
	eventTypeDirect    = "direct"
)

// Event is the wire shape published to the channel.
type Event struct {
	OriginMachineID string          `json:"originMachineId"`
	EventType       string          `json:"eventType"`
	GameID          string          `json:"gameId,omitempty"`
	Message         json.RawMessage `json:"message,omitempty"`
	ExcludeUserID   int64           `json:"excludeUserId,omitempty"`
	TargetUserID    int64           `json:"targetUserId,omitempty"`
}

// BroadcastFunc delivers a message to local sockets joined to a game.
type BroadcastFunc func(gameID string, message []byte, excludeUserID int64)

// DirectFunc delivers a message to one user's local sockets.
type DirectFunc func(userID int64, message []byte)

// EventBus publishes events to Redis and subscribes for events from
// other machines. With a nil client it runs in local-only mode:
// publishes are no-ops and no subscriber runs.
type EventBus struct {
	machineID      string
	rdb            *redis.Client
	broadcastLocal BroadcastFunc
	directLocal    DirectFunc
	log            *zap.Logger

	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

func generateMachineID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func New(rdb *redis.Client, broadcastLocal BroadcastFunc, directLocal DirectFunc, logger *zap.Logger) *EventBus {
	return &EventBus{
		machineID:      generateMachineID(),
		rdb:            rdb,
		broadcastLocal: broadcastLocal,
		directLocal:    directLocal,
		log:            logger,
	}
}

// MachineID returns this instance's unique identifier.
func (eb *EventBus) MachineID() string {
	return eb.machineID
}

// Start begins the subscriber in a background goroutine.
func (eb *EventBus) Start() {
	if eb.rdb == nil {
		eb.log.Info("eventbus running in local-only mode")
		return
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb.cancelFunc = cancel
	eb.running = true
	eb.wg.Add(1)

	go eb.subscribeLoop(ctx)
	eb.log.Info("eventbus started", zap.String("machine_id", eb.machineID))
}

// Stop cancels the subscriber and waits for it to exit.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if !eb.running {
		return
	}
	eb.running = false
	if eb.cancelFunc != nil {
		eb.cancelFunc()
	}
	eb.wg.Wait()
	eb.log.Info("eventbus stopped")
}

// PublishBroadcast publishes a game broadcast for other instances.
// Errors are logged, never returned (fire-and-forget).
func (eb *EventBus) PublishBroadcast(gameID string, message []byte, excludeUserID int64) {
	eb.publish(Event{
		OriginMachineID: eb.machineID,
		EventType:       eventTypeBroadcast,
		GameID:          gameID,
		Message:         message,
		ExcludeUserID:   excludeUserID,
	})
}

// PublishDirect publishes an event addressed to one user.
func (eb *EventBus) PublishDirect(userID int64, message []byte) {
	eb.publish(Event{
		OriginMachineID: eb.machineID,
		EventType:       eventTypeDirect,
		Message:         message,
		TargetUserID:    userID,
	})
}

func (eb *EventBus) publish(e Event) {
	if eb.rdb == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		eb.log.Error("eventbus marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eb.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		eb.log.Warn("eventbus publish failed",
			zap.String("event_type", e.EventType), zap.Error(err))
	}
}

// subscribeLoop receives until the context is cancelled. The go-redis
// PubSub reconnects on its own, so one subscription outlives transient
// connection loss.
func (eb *EventBus) subscribeLoop(ctx context.Context) {
	defer eb.wg.Done()

	pubsub := eb.rdb.Subscribe(ctx, Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			eb.dispatch([]byte(msg.Payload))
		}
	}
}

func (eb *EventBus) dispatch(payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		eb.log.Warn("eventbus decode failed", zap.Error(err))
		return
	}

	// Skip events from this machine (already delivered locally)
	if event.OriginMachineID == eb.machineID {
		return
	}

	switch event.EventType {
	case eventTypeBroadcast:
		if eb.broadcastLocal != nil {
			eb.broadcastLocal(event.GameID, event.Message, event.ExcludeUserID)
		}
	case eventTypeDirect:
		if eb.directLocal != nil {
			eb.directLocal(event.TargetUserID, event.Message)
		}
	default:
		eb.log.Warn("eventbus unknown event type", zap.String("event_type", event.EventType))
	}
}
