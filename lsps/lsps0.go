package lsps

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/routing/route"
)

const (
	// MessageType is the custom peer message type that carries LSPS0
	// JSON-RPC objects.
	MessageType uint32 = 37913

	jsonRPCVersion = "2.0"

	// requestIDLen is the number of random bytes in a request id.
	requestIDLen = 12
)

var (
	// ErrClientStopped is returned for calls that were pending or issued
	// after the client was stopped.
	ErrClientStopped = errors.New("lsps client stopped")

	// ErrTransportClosed is returned by a Transport once it can no longer
	// deliver messages.
	ErrTransportClosed = errors.New("lsps transport closed")
)

// Message is a custom peer message exchanged with an LSP.
type Message struct {
	// Peer is the remote node the message is sent to or received from.
	Peer route.Vertex

	// Type is the custom message type.
	Type uint32

	// Data is the raw message payload.
	Data []byte
}

// Transport delivers custom peer messages to and from the node.
type Transport interface {
	// Send sends a custom message to the message's peer.
	Send(ctx context.Context, msg Message) error

	// Receive blocks until the next custom message arrives. It returns an
	// error once the transport is closed.
	Receive() (Message, error)

	// Close releases the transport and unblocks Receive.
	Close() error
}

// request is a JSON-RPC 2.0 request object.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// response is a JSON-RPC 2.0 response object.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error returned by the LSP.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error returns a human readable description of the error.
func (e *RPCError) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("lsps error %d: %s", e.Code, e.Message)
	}

	return fmt.Sprintf("lsps error %d: %s (%s)", e.Code, e.Message,
		string(e.Data))
}

// pendingCall is a request waiting for its response.
type pendingCall struct {
	peer route.Vertex
	resp chan *response
}

// Client is an LSPS0 JSON-RPC client. Requests are matched to responses by
// their id; a single reader goroutine owns the transport's receive side.
type Client struct {
	started atomic.Bool
	stopped atomic.Bool

	transport Transport

	pendingMtx sync.Mutex
	pending    map[string]*pendingCall

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewClient creates a new LSPS client on top of the given transport.
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		pending:   make(map[string]*pendingCall),
		quit:      make(chan struct{}),
	}
}

// Start launches the goroutine that reads responses from the transport.
func (c *Client) Start() error {
	if c.started.Swap(true) {
		return nil
	}

	log.Debug("Starting LSPS client")

	c.wg.Add(1)
	go c.readMessages()

	return nil
}

// Stop closes the transport, fails all pending calls and waits for the
// reader to exit.
func (c *Client) Stop() error {
	if c.stopped.Swap(true) {
		return nil
	}

	log.Debug("Stopping LSPS client")

	close(c.quit)
	err := c.transport.Close()
	c.wg.Wait()

	return err
}

// readMessages dispatches incoming responses to their waiting callers.
//
// NOTE: This MUST be run as a goroutine.
func (c *Client) readMessages() {
	defer c.wg.Done()

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Unable to receive custom message: "+
					"%v", err)
			}

			return
		}

		if msg.Type != MessageType {
			log.Tracef("Ignoring custom message of type %d from "+
				"%v", msg.Type, msg.Peer)

			continue
		}

		c.handleMessage(msg)
	}
}

// handleMessage decodes a single response and hands it to its caller.
func (c *Client) handleMessage(msg Message) {
	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		log.Warnf("Invalid LSPS message from %v: %v", msg.Peer, err)
		return
	}

	c.pendingMtx.Lock()
	call, ok := c.pending[resp.ID]
	if ok && call.peer == msg.Peer {
		delete(c.pending, resp.ID)
	}
	c.pendingMtx.Unlock()

	switch {
	case !ok:
		log.Warnf("Dropping LSPS response with unknown id %q from %v",
			resp.ID, msg.Peer)

	case call.peer != msg.Peer:
		log.Warnf("Dropping LSPS response %q from unexpected peer %v",
			resp.ID, msg.Peer)

	default:
		call.resp <- &resp
	}
}

// Call sends a JSON-RPC request to the peer and decodes the result into
// result. It blocks until the response arrives, the context is done or the
// client is stopped.
func (c *Client) Call(ctx context.Context, peer route.Vertex, method string,
	params, result interface{}) error {

	if c.stopped.Load() {
		return ErrClientStopped
	}

	id, err := newRequestID()
	if err != nil {
		return err
	}

	data, err := json.Marshal(&request{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("unable to encode %s request: %w", method, err)
	}

	call := &pendingCall{
		peer: peer,
		resp: make(chan *response, 1),
	}

	c.pendingMtx.Lock()
	c.pending[id] = call
	c.pendingMtx.Unlock()

	defer func() {
		c.pendingMtx.Lock()
		delete(c.pending, id)
		c.pendingMtx.Unlock()
	}()

	log.Debugf("Sending %s request %s to %v", method, id, peer)

	err = c.transport.Send(ctx, Message{
		Peer: peer,
		Type: MessageType,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("unable to send %s request: %w", method, err)
	}

	var resp *response
	select {
	case resp = <-call.resp:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClientStopped
	}

	if resp.Error != nil {
		return resp.Error
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unable to decode %s result: %w", method, err)
	}

	return nil
}

// newRequestID returns a random hex encoded request id.
func newRequestID() (string, error) {
	var b [requestIDLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("unable to generate request id: %w", err)
	}

	return hex.EncodeToString(b[:]), nil
}
