package websocket

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	domainScheduler "github.com/AzielCF/az-post/domains/scheduler"
	"github.com/AzielCF/az-post/infrastructure/valkey"
	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	valkeylib "github.com/valkey-io/valkey-go"
)

type client struct{}

type BroadcastMessage struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Result   any    `json:"result"`
	SenderID string `json:"sender_id,omitempty"`
}

const (
	CodeLifecycleEvent = "SCHEDULER_EVENT"
	CodeFetchStats     = "FETCH_STATS"
	CodeStats          = "SCHEDULER_STATS"
)

var (
	Clients    = make(map[*websocket.Conn]client)
	Register   = make(chan *websocket.Conn)
	Broadcast  = make(chan BroadcastMessage, 256)
	Unregister = make(chan *websocket.Conn)

	vkClient *valkey.Client
	wsChan   = "ws_broadcast"
	localID  string
)

// SetValkeyClient initializes the distributed broadcast system
func SetValkeyClient(client *valkey.Client, serverID string) {
	vkClient = client
	localID = serverID
	if client != nil {
		wsChan = client.Key("ws_broadcast")
	}
}

// Emitter pushes lifecycle events to connected dashboards. A full broadcast
// buffer drops the event instead of blocking the transition.
type Emitter struct{}

func (Emitter) Emit(_ context.Context, ev post.LifecycleEvent) {
	msg := BroadcastMessage{
		Code:    CodeLifecycleEvent,
		Message: string(ev.Name),
		Result:  ev,
	}
	select {
	case Broadcast <- msg:
	default:
		logrus.WithField("scheduled_post_id", ev.ScheduledPostID).Debugf("[WS] Broadcast buffer full, dropping %s", ev.Name)
	}
}

func handleRegister(conn *websocket.Conn) {
	Clients[conn] = client{}
	logrus.Debug("[WS] Connection registered")
}

func handleUnregister(conn *websocket.Conn) {
	delete(Clients, conn)
	logrus.Debug("[WS] Connection unregistered")
}

func broadcastToLocal(message BroadcastMessage) {
	marshalMessage, err := json.Marshal(message)
	if err != nil {
		logrus.Errorf("[WS] Marshal error: %v", err)
		return
	}

	for conn := range Clients {
		if err := conn.WriteMessage(websocket.TextMessage, marshalMessage); err != nil {
			logrus.Errorf("[WS] Write error: %v", err)
			closeConnection(conn)
		}
	}
}

func publishToValkey(message BroadcastMessage) {
	if vkClient == nil {
		return
	}

	message.SenderID = localID

	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	if err := vkClient.Publish(context.Background(), wsChan, string(data)); err != nil {
		logrus.Errorf("[WS] Failed to publish to Valkey: %v", err)
	}
}

func startValkeySubscriber(ctx context.Context) {
	if vkClient == nil {
		return
	}

	logrus.Info("[WS] Starting Valkey Pub/Sub subscriber for distributed events")
	go func() {
		err := vkClient.Inner().Receive(ctx, vkClient.Inner().B().Subscribe().Channel(wsChan).Build(), func(msg valkeylib.PubSubMessage) {
			var broadcastMsg BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Message), &broadcastMsg); err == nil {
				// Messages from this instance were already delivered locally.
				if broadcastMsg.SenderID == localID {
					return
				}
				Broadcast <- broadcastMsg
			}
		})
		if err != nil && ctx.Err() == nil {
			logrus.Errorf("[WS] Valkey subscriber failed: %v", err)
		}
	}()
}

func closeConnection(conn *websocket.Conn) {
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	_ = conn.Close()
	delete(Clients, conn)
}

// RunHub owns the client set until ctx is done.
func RunHub(ctx context.Context) {
	if vkClient != nil {
		startValkeySubscriber(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for conn := range Clients {
				closeConnection(conn)
			}
			return

		case conn := <-Register:
			handleRegister(conn)

		case conn := <-Unregister:
			handleUnregister(conn)

		case message := <-Broadcast:
			broadcastToLocal(message)

			// Relayed messages keep their sender id and are not published again.
			if vkClient != nil && message.Code == CodeLifecycleEvent && message.SenderID == "" {
				publishToValkey(message)
			}
		}
	}
}

func RegisterRoutes(app fiber.Router, service domainScheduler.ISchedulerUsecase) {
	app.Use("/scheduler/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/scheduler/ws", websocket.New(func(conn *websocket.Conn) {
		defer func() {
			Unregister <- conn
			_ = conn.Close()
		}()

		Register <- conn

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logrus.Debugf("[WS] read error: %v", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				logrus.Debugf("[WS] unsupported message type: %d", messageType)
				continue
			}

			var messageData BroadcastMessage
			if err := json.Unmarshal(message, &messageData); err != nil {
				logrus.Debugf("[WS] unmarshal error: %v", err)
				return
			}

			if messageData.Code == CodeFetchStats {
				stats, err := service.Stats(context.Background())
				if err != nil {
					logrus.WithError(err).Warn("[WS] Stats unavailable")
					continue
				}
				Broadcast <- BroadcastMessage{
					Code:    CodeStats,
					Message: "Scheduler stats",
					Result:  stats,
				}
			}
		}
	}))
}
