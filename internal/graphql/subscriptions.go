package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/resource"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/server"
)

// Subprotocol is the websocket subprotocol spoken on the subscriptions
// endpoint.
const Subprotocol = "graphql-ws"

// graphql-ws message types.
const (
	MsgConnectionInit      = "connection_init"
	MsgConnectionAck       = "connection_ack"
	MsgConnectionError     = "connection_error"
	MsgConnectionTerminate = "connection_terminate"
	MsgStart               = "start"
	MsgStop                = "stop"
	MsgData                = "data"
	MsgError               = "error"
	MsgComplete            = "complete"
)

const writeTimeout = 10 * time.Second

// Message is one graphql-ws frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// newConnectionID names a session. Messages the session's own operations
// publish carry it and are not forwarded back to it.
var newConnectionID = resource.NewConnectionID

var upgrader = websocket.Upgrader{
	Subprotocols: []string{Subprotocol},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// Subscriptions serves graphql-ws sessions. A started operation calls the
// schema with subscription set. If the schema answers {"channel": name}, every
// message published on that channel is forwarded as data until the client
// stops the operation; any other answer is sent once and completed. Messages
// published by the session itself are skipped.
func Subscriptions(rt *runtime.Runtime) gin.HandlerFunc {
	expose := rt.Settings().ExposeTracebacks
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader has already answered the request
			zap.L().Debug("Failed to upgrade subscription connection", zap.Error(err))
			return
		}

		s := &session{
			rt:     rt,
			conn:   conn,
			id:     newConnectionID(),
			expose: expose,
			ops:    make(map[string]*operation),
		}
		zap.L().Debug("Subscription session opened", zap.String("connection_id", s.id))
		s.run(server.StreamContext(c))
		zap.L().Debug("Subscription session closed", zap.String("connection_id", s.id))
	}
}

type session struct {
	rt     *runtime.Runtime
	conn   *websocket.Conn
	id     string
	expose bool

	writeMu sync.Mutex

	opsMu sync.Mutex
	ops   map[string]*operation
	wg    sync.WaitGroup
}

type operation struct {
	cancel context.CancelFunc
}

func (s *session) run(streamCtx context.Context) {
	ctx, cancel := context.WithCancel(streamCtx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		closing := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(time.Second))
		core.LogDeferredError(s.conn.Close)
	}()

	initialised := false
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("Subscription read failed", zap.String("connection_id", s.id), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgConnectionInit:
			initialised = true
			s.send(Message{Type: MsgConnectionAck})
		case MsgConnectionTerminate:
			return
		case MsgStart:
			if !initialised {
				s.send(Message{Type: MsgConnectionError, Payload: marshalPayload(map[string]string{
					"message": "connection_init must be sent before start",
				})})
				return
			}
			s.start(ctx, msg)
		case MsgStop:
			s.stop(msg.ID)
		default:
			s.sendError(msg.ID, server.BadRequest("unknown message type %q", msg.Type))
		}
	}
}

func (s *session) start(ctx context.Context, msg Message) {
	if msg.ID == "" {
		s.sendError("", server.BadRequest("start requires an id"))
		return
	}
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil || req.Query == "" {
		s.sendError(msg.ID, server.BadRequest("start payload must carry a query"))
		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	s.opsMu.Lock()
	if _, running := s.ops[msg.ID]; running {
		s.opsMu.Unlock()
		cancel()
		s.sendError(msg.ID, server.BadRequest("operation %q is already running", msg.ID))
		return
	}
	op := &operation{cancel: cancel}
	s.ops[msg.ID] = op
	s.opsMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(msg.ID, op)

		err := s.operate(opCtx, msg.ID, req)
		if ctx.Err() != nil {
			return
		}
		if err != nil && opCtx.Err() == nil {
			s.sendError(msg.ID, err)
			return
		}
		s.send(Message{ID: msg.ID, Type: MsgComplete})
	}()
}

func (s *session) stop(id string) {
	s.opsMu.Lock()
	op, ok := s.ops[id]
	delete(s.ops, id)
	s.opsMu.Unlock()
	if ok {
		op.cancel()
	}
}

// finish forgets op unless the id has since been reused.
func (s *session) finish(id string, op *operation) {
	s.opsMu.Lock()
	if s.ops[id] == op {
		delete(s.ops, id)
	}
	s.opsMu.Unlock()
	op.cancel()
}

// operate runs one operation until it completes or ctx is cancelled.
func (s *session) operate(ctx context.Context, id string, req Request) error {
	result, err := Execute(ctx, s.rt, Operation{
		Query:         req.Query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
		Subscription:  true,
		ConnectionID:  s.id,
	})
	if err != nil {
		return err
	}

	channel, ok := subscriptionChannel(result)
	if !ok {
		s.send(Message{ID: id, Type: MsgData, Payload: marshalPayload(Response(result))})
		return nil
	}

	pubsub := s.rt.PubSub()
	if pubsub == nil {
		return core.NewConfigError("subscriptions to %q need pubsub to be enabled", channel)
	}
	sub, err := pubsub.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer core.LogDeferredError(sub.Close)

	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.From == s.id {
			continue
		}
		s.send(Message{ID: id, Type: MsgData, Payload: marshalPayload(Response(decodeBody(msg.Body)))})
	}
}

func (s *session) send(msg Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := s.conn.WriteJSON(msg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		zap.L().Debug("Subscription write failed", zap.String("connection_id", s.id), zap.Error(err))
	}
}

func (s *session) sendError(id string, err error) {
	s.send(Message{ID: id, Type: MsgError, Payload: marshalPayload(server.NewErrorBody(err, s.expose).Errors)})
}

// subscriptionChannel reports the channel a schema result asks to follow.
func subscriptionChannel(result any) (string, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	channel, ok := m["channel"].(string)
	return channel, ok && channel != ""
}

func decodeBody(body string) any {
	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return body
	}
	return v
}

func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("Failed to encode subscription payload", zap.Error(err))
		return nil
	}
	return data
}
