package lnnode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/stablechannels/stablechan/lsps"
	"google.golang.org/grpc"
)

var (
	// ErrNoLiquiditySource is returned for operations that need an LSP
	// when none is configured.
	ErrNoLiquiditySource = errors.New("no liquidity source configured")

	// ErrNodeNotStarted is returned when the node is used before Start
	// completed.
	ErrNodeNotStarted = errors.New("node not started")
)

// Node is a handle to an embedded lnd node.
type Node struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	// ln and router are the RPC clients of the running node.
	ln     lnrpc.LightningClient
	router routerrpc.RouterClient

	// conn is the in-memory connection to lnd, nil when the clients were
	// supplied externally.
	conn *grpc.ClientConn

	identity    route.Vertex
	listenAddrs []string
	blockHeight uint32

	// lsps is the liquidity client, only set when a liquidity source is
	// configured.
	lsps *lsps.Client

	// lndRunning is set once lnd's main function was launched.
	lndRunning atomic.Bool

	// lndDone receives the result of lnd's main function.
	lndDone chan error

	// cancel stops the background streams of the node.
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a node handle for the given config. The node does nothing until
// Start is called.
func New(cfg *Config) *Node {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Node{
		cfg:     cfg,
		lndDone: make(chan error, 1),
	}
}

// Start launches the embedded lnd, waits until it is active and brings up the
// liquidity client and channel acceptor when a liquidity source is set.
func (n *Node) Start(ctx context.Context) error {
	if n.started.Swap(true) {
		return nil
	}

	n.cfg.LiquiditySource.WhenSome(func(src LiquiditySource) {
		log.Infof("Using liquidity source %v at %v", src.PubKey,
			src.Address)
	})

	conn, err := n.startLnd(ctx)
	if err != nil {
		return err
	}
	n.conn = conn

	return n.attach(
		lnrpc.NewLightningClient(conn), routerrpc.NewRouterClient(conn),
	)
}

// attach binds the node to the given RPC clients and starts the background
// components.
func (n *Node) attach(ln lnrpc.LightningClient,
	router routerrpc.RouterClient) error {

	n.ln = ln
	n.router = router

	bgCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	info, err := ln.GetInfo(bgCtx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return fmt.Errorf("unable to get node info: %w", err)
	}

	n.identity, err = route.NewVertexFromStr(info.IdentityPubkey)
	if err != nil {
		return fmt.Errorf("invalid identity key: %w", err)
	}
	n.listenAddrs = uriAddresses(info.Uris)
	n.blockHeight = info.BlockHeight

	log.Infof("Node %v active at height %d", n.identity,
		info.BlockHeight)

	src, err := n.cfg.LiquiditySource.UnwrapOrErr(ErrNoLiquiditySource)
	if err != nil {
		return nil
	}

	if err := n.startAcceptor(bgCtx, src.PubKey); err != nil {
		return err
	}

	transport, err := newCustomMessageTransport(bgCtx, ln)
	if err != nil {
		return err
	}
	n.lsps = lsps.NewClient(transport)

	return n.lsps.Start()
}

// Stop shuts down the background components and lnd.
func (n *Node) Stop() error {
	if n.stopped.Swap(true) {
		return nil
	}

	log.Info("Stopping node")

	var errs []error
	if n.lsps != nil {
		errs = append(errs, n.lsps.Stop())
	}
	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	if n.lndRunning.Load() {
		n.cfg.Interceptor.RequestShutdown()
	}

	n.wg.Wait()

	return errors.Join(errs...)
}

// NodeID returns the public key of the node.
func (n *Node) NodeID() route.Vertex {
	return n.identity
}

// BlockHeight returns the height the node was synced to when it started.
func (n *Node) BlockHeight() uint32 {
	return n.blockHeight
}

// uriAddresses returns the host:port part of the pubkey@host:port URIs lnd
// reports for the addresses it announces.
func uriAddresses(uris []string) []string {
	var addrs []string
	for _, uri := range uris {
		_, addr, ok := strings.Cut(uri, "@")
		if !ok || addr == "" {
			log.Warnf("Ignoring malformed node URI %q", uri)
			continue
		}

		addrs = append(addrs, addr)
	}

	return addrs
}

// ListeningAddresses returns the peer-to-peer addresses lnd reported at
// startup. It is empty when lnd announces none.
func (n *Node) ListeningAddresses() []string {
	return n.listenAddrs
}

// Role returns the display name of the node's role.
func (n *Node) Role() string {
	return n.cfg.Role
}
