package lnnode

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/signal"
)

const (
	// DefaultNodeAlias is the alias announced by both roles.
	DefaultNodeAlias = "some_alias"

	// MutinynetChallenge is the signet challenge of the Mutinynet signet.
	MutinynetChallenge = "512102f7561d208dd9ae99bf497273e16f389bdbd6c4" +
		"742ddb8e6b216e64fa2928ad8f51ae"

	// MutinynetPeer is the default neutrino peer on Mutinynet.
	MutinynetPeer = "45.79.52.207:38333"

	// DefaultLSPAddress is the address the LSP is reached at when none is
	// configured.
	DefaultLSPAddress = "127.0.0.1:9377"

	// DefaultLSPToken is the LSPS2 token used when none is configured.
	DefaultLSPToken = "00000000000000000000000000000000"

	// defaultConfTarget is the confirmation target used for fee
	// estimation.
	defaultConfTarget = 6
)

// LiquiditySource describes the LSP a user node buys JIT channels from.
type LiquiditySource struct {
	// PubKey is the LSP's node public key.
	PubKey route.Vertex

	// Address is the host:port the LSP listens on.
	Address string

	// Token is the LSPS2 token passed along with get_info.
	Token string
}

// FeeEstimator supplies on-chain fee rates in sat/vB.
type FeeEstimator interface {
	// FeeRate returns the fee rate for the given confirmation target.
	FeeRate(ctx context.Context, target uint32) (uint64, error)
}

// Config holds everything needed to bootstrap a node.
type Config struct {
	// Role is the display name of the node's role, "User" or "LSP".
	Role string

	// DataDir is the directory holding the node directories of all roles.
	DataDir string

	// Alias names the node's storage directory below DataDir.
	Alias string

	// NodeAlias is the alias announced to the network.
	NodeAlias string

	// Port is the peer-to-peer listening port.
	Port uint16

	// SigNetChallenge is the challenge of the signet to join.
	SigNetChallenge string

	// NeutrinoPeers are the peers the light client syncs from.
	NeutrinoPeers []string

	// LndArgs holds extra lnd command line options, for example
	// "--bitcoin.defaultchanconfs=1 --maxpendingchannels=5".
	LndArgs string

	// LiquiditySource is the optional LSP to buy JIT channels from.
	LiquiditySource fn.Option[LiquiditySource]

	// FeeEstimator is the optional source of on-chain fee rates. When
	// unset the node's own estimator is used.
	FeeEstimator fn.Option[FeeEstimator]

	// Interceptor is the process wide signal interceptor lnd shuts down
	// with.
	Interceptor signal.Interceptor

	// Clock checks the validity of LSP fee offers. The wall clock is used
	// when nil.
	Clock clock.Clock
}

// NodeDir returns the storage directory of the node.
func (c *Config) NodeDir() string {
	return filepath.Join(c.DataDir, c.Alias)
}

// ListenAddress returns the peer-to-peer listening address.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", c.Port))
}
