package lnnode

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/stablechannels/stablechan/lsps"
)

// customMessageStream is the part of the custom message subscription the
// transport reads from.
type customMessageStream interface {
	Recv() (*lnrpc.CustomMessage, error)
}

// customMessageTransport carries LSPS messages over lnd's custom peer
// message RPCs.
type customMessageTransport struct {
	ln     lnrpc.LightningClient
	stream customMessageStream
	cancel context.CancelFunc
}

// A compile-time check to ensure customMessageTransport implements
// lsps.Transport.
var _ lsps.Transport = (*customMessageTransport)(nil)

// newCustomMessageTransport subscribes to incoming custom messages.
func newCustomMessageTransport(ctx context.Context,
	ln lnrpc.LightningClient) (*customMessageTransport, error) {

	ctx, cancel := context.WithCancel(ctx)
	stream, err := ln.SubscribeCustomMessages(
		ctx, &lnrpc.SubscribeCustomMessagesRequest{},
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("unable to subscribe to custom "+
			"messages: %w", err)
	}

	return &customMessageTransport{
		ln:     ln,
		stream: stream,
		cancel: cancel,
	}, nil
}

// Send sends a custom message to the message's peer.
func (t *customMessageTransport) Send(ctx context.Context,
	msg lsps.Message) error {

	_, err := t.ln.SendCustomMessage(ctx, &lnrpc.SendCustomMessageRequest{
		Peer: msg.Peer[:],
		Type: msg.Type,
		Data: msg.Data,
	})

	return err
}

// Receive blocks until the next custom message arrives. Messages with an
// invalid peer key are dropped.
func (t *customMessageTransport) Receive() (lsps.Message, error) {
	for {
		m, err := t.stream.Recv()
		if err != nil {
			if isCanceled(err) {
				return lsps.Message{}, lsps.ErrTransportClosed
			}

			return lsps.Message{}, err
		}

		peer, err := route.NewVertexFromBytes(m.Peer)
		if err != nil {
			log.Warnf("Dropping custom message with invalid peer "+
				"key %x: %v", m.Peer, err)

			continue
		}

		return lsps.Message{
			Peer: peer,
			Type: m.Type,
			Data: m.Data,
		}, nil
	}
}

// Close cancels the subscription.
func (t *customMessageTransport) Close() error {
	t.cancel()
	return nil
}
