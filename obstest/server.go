// Package obstest runs an in-process obs-websocket v5 server for exercising
// the client end to end. It speaks just enough of the protocol for the
// identification handshake, request routing and event delivery.
package obstest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"

	"obsws/client/internal"
)

const rpcVersion = 1

type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// ReceivedRequest is one op 6 message as it arrived over the wire.
type ReceivedRequest struct {
	Type string
	ID   string
	Data json.RawMessage
}

type Server struct {
	logger   *slog.Logger
	password string

	lock     sync.RWMutex
	conns    map[string]chan []byte
	requests []ReceivedRequest
}

// NewServer builds a server that requires the given password during
// identification. An empty password disables authentication entirely.
func NewServer(logger *slog.Logger, password string) *Server {
	return &Server{
		logger:   logger,
		password: password,
		conns:    make(map[string]chan []byte),
	}
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Get("/", s.join)
	return router
}

// Push broadcasts an event to every identified connection. Connections that
// cannot keep up are skipped rather than blocked on.
func (s *Server) Push(eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	b, err := json.Marshal(struct {
		Op int `json:"op"`
		D  any `json:"d"`
	}{
		Op: 5,
		D: map[string]any{
			"eventType":   eventType,
			"eventIntent": 1,
			"eventData":   json.RawMessage(raw),
		},
	})
	if err != nil {
		return err
	}

	s.lock.RLock()
	defer s.lock.RUnlock()

	for _, ch := range s.conns {
		select {
		case ch <- b:
		default:
		}
	}

	return nil
}

// Requests returns the op 6 messages received so far in arrival order.
func (s *Server) Requests() []ReceivedRequest {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]ReceivedRequest(nil), s.requests...)
}

func (s *Server) ConnectionCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.conns)
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	kid, err := ksuid.NewRandom()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	id := kid.String()
	log := s.logger.With(slog.String("id", id))

	opts := &websocket.AcceptOptions{
		Subprotocols: []string{"obswebsocket.json"},
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}

	//goland:noinspection GoUnhandledErrorResult
	defer conn.Close(websocket.StatusNormalClosure, "")

	salt, challenge, err := s.sendHello(ctx, conn)
	if err != nil {
		log.Error("failed to send hello", err)
		return
	}

	if err := s.awaitIdentify(ctx, conn, salt, challenge); err != nil {
		log.Warn("identify rejected", slog.String("reason", err.Error()))
		_ = conn.Close(websocket.StatusCode(4009), "authentication failed")
		return
	}

	if err := writeEnvelope(ctx, conn, 2, map[string]any{"negotiatedRpcVersion": rpcVersion}); err != nil {
		log.Error("failed to send identified", err)
		return
	}

	msgChan := make(chan []byte, 8)

	s.lock.Lock()
	s.conns[id] = msgChan
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.conns, id)
		close(msgChan)
	}()

	go func() {
		defer cancel()
		for {
			_, b, err := conn.Read(ctx)
			if err != nil {
				return
			}

			s.handleMessage(ctx, log, conn, b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("left")
			return
		case msg := <-msgChan:
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				log.Error("failed to write message", err)
				return
			}
		}
	}
}

func (s *Server) sendHello(ctx context.Context, conn *websocket.Conn) (salt, challenge string, err error) {
	d := map[string]any{
		"obsWebSocketVersion": "5.1.0",
		"rpcVersion":          rpcVersion,
	}

	if s.password != "" {
		if salt, err = nonce(); err != nil {
			return "", "", err
		}

		if challenge, err = nonce(); err != nil {
			return "", "", err
		}

		d["authentication"] = map[string]string{
			"challenge": challenge,
			"salt":      salt,
		}
	}

	return salt, challenge, writeEnvelope(ctx, conn, 0, d)
}

func (s *Server) awaitIdentify(ctx context.Context, conn *websocket.Conn, salt, challenge string) error {
	_, b, err := conn.Read(ctx)
	if err != nil {
		return err
	}

	msg := envelope{}
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}

	if msg.Op != 1 {
		return fmt.Errorf("expected identify, got op %v", msg.Op)
	}

	ident := struct {
		RPCVersion     int    `json:"rpcVersion"`
		Authentication string `json:"authentication"`
	}{}

	if err := json.Unmarshal(msg.D, &ident); err != nil {
		return err
	}

	if ident.RPCVersion != rpcVersion {
		return fmt.Errorf("unsupported rpc version %v", ident.RPCVersion)
	}

	if s.password == "" {
		return nil
	}

	want, err := internal.AuthToken(s.password, salt, challenge)
	if err != nil {
		return err
	}

	if ident.Authentication != want {
		return fmt.Errorf("challenge response mismatch")
	}

	return nil
}

func (s *Server) handleMessage(ctx context.Context, log *slog.Logger, conn *websocket.Conn, b []byte) {
	msg := envelope{}
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Warn("discarding malformed message", slog.String("reason", err.Error()))
		return
	}

	if msg.Op != 6 {
		return
	}

	req := struct {
		RequestType string          `json:"requestType"`
		RequestID   string          `json:"requestId"`
		RequestData json.RawMessage `json:"requestData"`
	}{}

	if err := json.Unmarshal(msg.D, &req); err != nil {
		log.Warn("discarding malformed request", slog.String("reason", err.Error()))
		return
	}

	s.lock.Lock()
	s.requests = append(s.requests, ReceivedRequest{Type: req.RequestType, ID: req.RequestID, Data: req.RequestData})
	s.lock.Unlock()

	resp := map[string]any{
		"requestType": req.RequestType,
		"requestId":   req.RequestID,
		"requestStatus": map[string]any{
			"result": true,
			"code":   100,
		},
	}

	if err := writeEnvelope(ctx, conn, 7, resp); err != nil {
		log.Error("failed to answer request", err)
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, op int, d any) error {
	b, err := json.Marshal(struct {
		Op int `json:"op"`
		D  any `json:"d"`
	}{Op: op, D: d})
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, b)
}

func nonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}
