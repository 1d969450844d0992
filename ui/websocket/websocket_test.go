package websocket

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/AzielCF/az-post/scheduler/domain/post"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain() {
	for {
		select {
		case <-Broadcast:
		default:
			return
		}
	}
}

func TestEmitter_QueuesLifecycleEvent(t *testing.T) {
	drain()
	t.Cleanup(drain)

	Emitter{}.Emit(context.Background(), post.LifecycleEvent{Name: post.EventPublished, ScheduledPostID: "sp-1"})

	select {
	case msg := <-Broadcast:
		assert.Equal(t, CodeLifecycleEvent, msg.Code)
		assert.Equal(t, "published", msg.Message)
		ev, ok := msg.Result.(post.LifecycleEvent)
		require.True(t, ok)
		assert.Equal(t, "sp-1", ev.ScheduledPostID)
	default:
		t.Fatal("expected a broadcast message")
	}
}

func TestEmitter_DropsWhenBufferIsFull(t *testing.T) {
	drain()
	t.Cleanup(drain)

	for i := 0; i < cap(Broadcast); i++ {
		Broadcast <- BroadcastMessage{Code: "FILL"}
	}
	assert.NotPanics(t, func() {
		Emitter{}.Emit(context.Background(), post.LifecycleEvent{Name: post.EventFailed})
	})
	assert.Len(t, Broadcast, cap(Broadcast))
}

func TestRegisterRoutes_RequiresUpgrade(t *testing.T) {
	app := fiber.New()
	RegisterRoutes(app, nil)

	resp, err := app.Test(httptest.NewRequest("GET", "/scheduler/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestRunHub_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunHub(ctx)
		close(done)
	}()
	cancel()
	<-done
}
