package lnnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/routing/route"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// acceptorStream is the part of the channel acceptor stream the node uses.
type acceptorStream interface {
	Recv() (*lnrpc.ChannelAcceptRequest, error)
	Send(*lnrpc.ChannelAcceptResponse) error
}

// channelAcceptResponse decides on a channel open request. Regular channels
// are accepted from anyone, zero-conf channels only from the LSP.
func channelAcceptResponse(req *lnrpc.ChannelAcceptRequest,
	lsp route.Vertex) *lnrpc.ChannelAcceptResponse {

	resp := &lnrpc.ChannelAcceptResponse{
		PendingChanId: req.PendingChanId,
	}

	fromLSP := string(req.NodePubkey) == string(lsp[:])
	switch {
	case req.WantsZeroConf && fromLSP:
		resp.Accept = true
		resp.ZeroConf = true
		resp.MinAcceptDepth = 0

	case req.WantsZeroConf:
		resp.Error = "zero-conf channels are only accepted from the LSP"

	default:
		resp.Accept = true
	}

	return resp
}

// startAcceptor registers a channel acceptor that lets the LSP open
// zero-conf channels to us.
func (n *Node) startAcceptor(ctx context.Context, lsp route.Vertex) error {
	stream, err := n.ln.ChannelAcceptor(ctx)
	if err != nil {
		return fmt.Errorf("unable to register channel acceptor: %w", err)
	}

	log.Infof("Accepting zero-conf channels from %v", lsp)

	n.wg.Add(1)
	go n.acceptChannels(ctx, stream, lsp)

	return nil
}

// acceptChannels answers channel open requests until the stream ends.
//
// NOTE: This MUST be run as a goroutine.
func (n *Node) acceptChannels(ctx context.Context, stream acceptorStream,
	lsp route.Vertex) {

	defer n.wg.Done()

	for {
		req, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil && !isCanceled(err) {
				log.Errorf("Channel acceptor stopped: %v", err)
			}

			return
		}

		resp := channelAcceptResponse(req, lsp)
		log.Debugf("Channel request from %x: zero_conf=%v accept=%v",
			req.NodePubkey, req.WantsZeroConf, resp.Accept)

		if err := stream.Send(resp); err != nil {
			log.Errorf("Unable to answer channel request: %v", err)
			return
		}
	}
}

// isCanceled returns true for errors caused by a canceled stream.
func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) ||
		status.Code(err) == codes.Canceled
}
