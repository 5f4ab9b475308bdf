package lnnode

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

const (
	// connectTimeout is the peer connection timeout in seconds.
	connectTimeout = 30

	alreadyConnectedErr = "already connected to peer"
)

// ChannelDetails describes an open or pending channel.
type ChannelDetails struct {
	// ChannelPoint is the funding outpoint, the identifier used to close
	// the channel.
	ChannelPoint string

	// ShortChannelID is the channel's short id, zero while pending.
	ShortChannelID lnwire.ShortChannelID

	// RemotePubKey is the counterparty's node key.
	RemotePubKey string

	Capacity      btcutil.Amount
	LocalBalance  btcutil.Amount
	RemoteBalance btcutil.Amount

	// Ready is true once the channel is open and usable.
	Ready bool

	// Active is true when the counterparty is online.
	Active bool
}

// ConnectPeer connects to the peer at host unless a connection already
// exists.
func (n *Node) ConnectPeer(ctx context.Context, peer route.Vertex,
	host string) error {

	if n.ln == nil {
		return ErrNodeNotStarted
	}

	_, err := n.ln.ConnectPeer(ctx, &lnrpc.ConnectPeerRequest{
		Addr: &lnrpc.LightningAddress{
			Pubkey: peer.String(),
			Host:   host,
		},
		Timeout: connectTimeout,
	})
	if err != nil && !strings.Contains(err.Error(), alreadyConnectedErr) {
		return fmt.Errorf("unable to connect to %v@%v: %w", peer, host,
			err)
	}

	return nil
}

// OpenChannel connects to the peer and opens an announced channel of the
// given capacity, pushing half of it to the remote side. It returns the
// channel point of the funding transaction.
func (n *Node) OpenChannel(ctx context.Context, peer route.Vertex,
	host string, capacity btcutil.Amount) (string, error) {

	if err := n.ConnectPeer(ctx, peer, host); err != nil {
		return "", err
	}

	req := &lnrpc.OpenChannelRequest{
		NodePubkey:         peer[:],
		LocalFundingAmount: int64(capacity),
		PushSat:            int64(capacity / 2),
		Private:            false,
	}
	if rate := n.feeRate(ctx); rate > 0 {
		req.SatPerVbyte = rate
	} else {
		req.TargetConf = defaultConfTarget
	}

	chanPoint, err := n.ln.OpenChannelSync(ctx, req)
	if err != nil {
		return "", err
	}

	txid, err := lnrpc.GetChanPointFundingTxid(chanPoint)
	if err != nil {
		return "", err
	}
	point := fmt.Sprintf("%v:%d", txid, chanPoint.OutputIndex)

	log.Infof("Opened channel %v with %v, capacity=%v", point, peer,
		capacity)

	return point, nil
}

// ListChannels returns all open and pending channels.
func (n *Node) ListChannels(ctx context.Context) ([]ChannelDetails, error) {
	if n.ln == nil {
		return nil, ErrNodeNotStarted
	}

	open, err := n.ln.ListChannels(ctx, &lnrpc.ListChannelsRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to list channels: %w", err)
	}

	pending, err := n.ln.PendingChannels(
		ctx, &lnrpc.PendingChannelsRequest{},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list pending channels: %w",
			err)
	}

	channels := make(
		[]ChannelDetails, 0,
		len(open.Channels)+len(pending.PendingOpenChannels),
	)
	for _, c := range open.Channels {
		channels = append(channels, ChannelDetails{
			ChannelPoint: c.ChannelPoint,
			ShortChannelID: lnwire.NewShortChanIDFromInt(
				c.ChanId,
			),
			RemotePubKey:  c.RemotePubkey,
			Capacity:      btcutil.Amount(c.Capacity),
			LocalBalance:  btcutil.Amount(c.LocalBalance),
			RemoteBalance: btcutil.Amount(c.RemoteBalance),
			Ready:         true,
			Active:        c.Active,
		})
	}

	for _, p := range pending.PendingOpenChannels {
		if p.Channel == nil {
			continue
		}

		channels = append(channels, ChannelDetails{
			ChannelPoint:  p.Channel.ChannelPoint,
			RemotePubKey:  p.Channel.RemoteNodePub,
			Capacity:      btcutil.Amount(p.Channel.Capacity),
			LocalBalance:  btcutil.Amount(p.Channel.LocalBalance),
			RemoteBalance: btcutil.Amount(p.Channel.RemoteBalance),
		})
	}

	return channels, nil
}

// parseChannelPoint parses a txid:index string.
func parseChannelPoint(s string) (*lnrpc.ChannelPoint, error) {
	txid, index, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("invalid channel point %q", s)
	}

	outputIndex, err := strconv.ParseUint(index, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid output index in %q: %w", s, err)
	}

	return &lnrpc.ChannelPoint{
		FundingTxid: &lnrpc.ChannelPoint_FundingTxidStr{
			FundingTxidStr: txid,
		},
		OutputIndex: uint32(outputIndex),
	}, nil
}

// CloseChannel starts a cooperative close of the channel and returns once
// the closing transaction was broadcast.
func (n *Node) CloseChannel(ctx context.Context, channel ChannelDetails) error {
	if n.ln == nil {
		return ErrNodeNotStarted
	}

	chanPoint, err := parseChannelPoint(channel.ChannelPoint)
	if err != nil {
		return err
	}

	req := &lnrpc.CloseChannelRequest{
		ChannelPoint: chanPoint,
	}
	if rate := n.feeRate(ctx); rate > 0 {
		req.SatPerVbyte = rate
	} else {
		req.TargetConf = defaultConfTarget
	}

	// The stream lives as long as the close is pending, so it gets its
	// own context that is released once the first update arrived.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := n.ln.CloseChannel(streamCtx, req)
	if err != nil {
		return err
	}

	update, err := stream.Recv()
	if err != nil {
		return err
	}

	if pending := update.GetClosePending(); pending != nil {
		log.Infof("Closing channel %v with %v", channel.ChannelPoint,
			channel.RemotePubKey)
	}

	return nil
}
