package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// the wire envelope. Events carry t and d; command requests add a nonce
// and the gateway answers with a t="response" frame for the same nonce.
type gatewayFrame struct {
	Tag     string          `json:"t"`
	Nonce   uint64          `json:"n,omitempty"`
	Payload json.RawMessage `json:"d,omitempty"`
	Error   string          `json:"e,omitempty"`
}

const frameTagIdentify = "identify"
const frameTagRequest = "request"
const frameTagResponse = "response"

type GatewaySettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ResponseTimeout    time.Duration
}

func DefaultGatewaySettings() *GatewaySettings {
	return &GatewaySettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ResponseTimeout:    30 * time.Second,
	}
}

// GatewayTransport is the envelope seam over one gateway connection: it
// decodes incoming frames into dispatch calls for its shard, and carries
// direct command requests as the Transport collaborator.
//
// Heartbeating, resume, reconnect, and rate limiting are deliberately not
// here; a connection that drops stays dropped until the owner dials a new
// transport.
type GatewayTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	gatewayUrl string
	client     *Client
	shardId    Id
	settings   *GatewaySettings

	conn      *websocket.Conn
	writeLock sync.Mutex

	stateLock sync.Mutex
	nextNonce uint64
	pending   map[uint64]chan *gatewayFrame
}

func ConnectGatewayWithDefaults(ctx context.Context, gatewayUrl string, client *Client, shardId Id) (*GatewayTransport, error) {
	return ConnectGateway(ctx, gatewayUrl, client, shardId, DefaultGatewaySettings())
}

func ConnectGateway(ctx context.Context, gatewayUrl string, client *Client, shardId Id, settings *GatewaySettings) (*GatewayTransport, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(cancelCtx, gatewayUrl, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("Gateway dial failed: %w", err)
	}

	transport := &GatewayTransport{
		ctx:        cancelCtx,
		cancel:     cancel,
		gatewayUrl: gatewayUrl,
		client:     client,
		shardId:    shardId,
		settings:   settings,
		conn:       conn,
		pending:    map[uint64]chan *gatewayFrame{},
	}

	identifyPayload, _ := json.Marshal(map[string]any{
		"token":    client.Session().Token(),
		"shard_id": shardId.String(),
	})
	if err := transport.writeFrame(&gatewayFrame{
		Tag:     frameTagIdentify,
		Payload: identifyPayload,
	}); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	client.SetTransport(transport)
	go transport.run()
	return transport, nil
}

func (self *GatewayTransport) run() {
	defer func() {
		self.cancel()
		self.conn.Close()
	}()

	go func() {
		<-self.ctx.Done()
		// unblock the read loop
		self.conn.Close()
	}()

	shard := self.client.Shard(self.shardId)
	for {
		var frame gatewayFrame
		if err := self.conn.ReadJSON(&frame); err != nil {
			glog.Infof("[gw]%s<- error = %s\n", self.shardId, err)
			return
		}
		if frame.Tag == frameTagResponse {
			self.settle(&frame)
			continue
		}
		glog.V(2).Infof("[gw]%s<- %s\n", self.shardId, frame.Tag)
		self.client.Dispatch(Envelope{
			Tag:     frame.Tag,
			Payload: frame.Payload,
			Shard:   shard,
		})
	}
}

func (self *GatewayTransport) writeFrame(frame *gatewayFrame) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.conn.WriteJSON(frame)
}

func (self *GatewayTransport) addPending() (uint64, chan *gatewayFrame) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.nextNonce += 1
	nonce := self.nextNonce
	responses := make(chan *gatewayFrame, 1)
	self.pending[nonce] = responses
	return nonce, responses
}

func (self *GatewayTransport) removePending(nonce uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pending, nonce)
}

func (self *GatewayTransport) settle(frame *gatewayFrame) {
	self.stateLock.Lock()
	responses := self.pending[frame.Nonce]
	delete(self.pending, frame.Nonce)
	self.stateLock.Unlock()

	if responses == nil {
		glog.V(2).Infof("[gw]%s<- orphan response %d\n", self.shardId, frame.Nonce)
		return
	}
	responses <- frame
}

// Transport
func (self *GatewayTransport) Send(ctx context.Context, command *Command) (json.RawMessage, error) {
	nonce, responses := self.addPending()
	defer self.removePending(nonce)

	payload, err := json.Marshal(map[string]any{
		"name": command.Name,
		"args": command.Args,
	})
	if err != nil {
		return nil, err
	}
	if err := self.writeFrame(&gatewayFrame{
		Tag:     frameTagRequest,
		Nonce:   nonce,
		Payload: payload,
	}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(self.settings.ResponseTimeout)
	defer timer.Stop()

	select {
	case frame := <-responses:
		if frame.Error != "" {
			return nil, fmt.Errorf("Gateway error: %s", frame.Error)
		}
		return frame.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("Gateway response timeout for %s", command.Name)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, fmt.Errorf("Gateway closed")
	}
}

func (self *GatewayTransport) Close() {
	self.cancel()
	self.conn.Close()
}
