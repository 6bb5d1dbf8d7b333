package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// a one-connection gateway: expects identify, pushes a snapshot, then
// answers request frames
func testGatewayServer(t *testing.T, selfId Id) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var identify gatewayFrame
		if err := conn.ReadJSON(&identify); err != nil {
			return
		}
		assert.Equal(t, identify.Tag, frameTagIdentify)

		conn.WriteJSON(&gatewayFrame{
			Tag:     EventSnapshot,
			Payload: testSnapshotPayload(selfId, nil, nil),
		})

		for {
			var frame gatewayFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Tag != frameTagRequest {
				continue
			}
			var request struct {
				Name string `json:"name"`
			}
			json.Unmarshal(frame.Payload, &request)
			if request.Name == "update_self" {
				conn.WriteJSON(&gatewayFrame{
					Tag:     frameTagResponse,
					Nonce:   frame.Nonce,
					Payload: json.RawMessage(`{}`),
				})
			} else {
				conn.WriteJSON(&gatewayFrame{
					Tag:   frameTagResponse,
					Nonce: frame.Nonce,
					Error: "unknown command",
				})
			}
		}
	}))
}

func TestGatewayTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	selfId := NewId()
	server := testGatewayServer(t, selfId)
	defer server.Close()
	gatewayUrl := "ws" + strings.TrimPrefix(server.URL, "http")

	coordinator := &testCoordinator{}
	client := NewClientWithDefaults(ctx, nil, coordinator)
	defer client.Close()

	shardId := NewId()
	gateway, err := ConnectGatewayWithDefaults(ctx, gatewayUrl, client, shardId)
	assert.Equal(t, err, nil)
	defer gateway.Close()
	assert.Equal(t, client.Transport() == Transport(gateway), true)

	// the pushed snapshot flows through dispatch to readiness
	shard := client.Shard(shardId)
	deadline := time.Now().Add(5 * time.Second)
	for shard.Phase() != ShardReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, shard.Phase(), ShardReady)
	assert.Equal(t, coordinator.ReadyCount(), 1)
	assert.Equal(t, client.Cache().Get(selfId).Field("username"), "ada")

	// direct request/response over the same connection
	err = client.UpdateSettings(ctx, map[string]any{"status": "away"})
	assert.Equal(t, err, nil)

	// a rejected command surfaces the gateway error
	_, err = gateway.Send(ctx, &Command{Name: "bogus"})
	assert.NotEqual(t, err, nil)
}
