// Package stablechan runs an embedded Lightning node in the user or lsp role
// and drives it from an interactive command loop.
package stablechan

import (
	"context"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/stablechannels/stablechan/build"
	"github.com/stablechannels/stablechan/esplora"
	"github.com/stablechannels/stablechan/lnnode"
	"github.com/stablechannels/stablechan/shell"
)

// Console holds the streams of the command loop.
type Console struct {
	In  io.Reader
	Out io.Writer
}

// Main sets up logging, starts the chain source and the node, and runs the
// command loop until it ends. Errors before the loop starts are returned, the
// loop itself never fails on user input.
func Main(cfg *Config, interceptor signal.Interceptor, console Console) error {
	logWriter, err := build.NewRotatingLogWriter(
		cfg.LogConfig.File, cfg.LogFile(),
	)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	logMgr := build.NewSubLoggerManager(
		build.NewDefaultHandler(cfg.LogConfig, logWriter),
	)
	SetupLoggers(logMgr, interceptor)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, logMgr)
	if err != nil {
		return err
	}

	log.Infof("Version: %s commit=%s, role=%s", build.Version(),
		build.Commit, cfg.Role)

	role, err := shell.RoleByName(cfg.Role)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chain *esplora.Client
	feeEstimator := fn.None[lnnode.FeeEstimator]()
	if cfg.Esplora != "" {
		client := esplora.NewClient(
			esplora.DefaultClientConfig(cfg.Esplora),
		)
		if err := client.Start(ctx); err != nil {
			log.Warnf("Esplora at %s unavailable, using the node's "+
				"fee estimator: %v", cfg.Esplora, err)
		} else {
			defer client.Stop()
			chain = client
			feeEstimator = fn.Some[lnnode.FeeEstimator](client)
		}
	}

	nodeCfg, err := cfg.nodeConfig(interceptor, feeEstimator)
	if err != nil {
		return err
	}

	nodeCfg.LiquiditySource.WhenSome(func(src lnnode.LiquiditySource) {
		fmt.Fprintln(console.Out, src.PubKey)
	})

	node := lnnode.New(nodeCfg)
	if err := node.Start(ctx); err != nil {
		if stopErr := node.Stop(); stopErr != nil {
			log.Errorf("Unable to stop node: %v", stopErr)
		}

		return fmt.Errorf("unable to start node: %w", err)
	}
	defer func() {
		if err := node.Stop(); err != nil {
			log.Errorf("Unable to stop node: %v", err)
		}
	}()

	if chain != nil {
		checkSync(node.BlockHeight(), chain)
	}

	printIdentity(
		console.Out, cfg.Alias, node.NodeID(), node.ListeningAddresses(),
	)

	return shell.Run(ctx, &shell.LoopConfig{
		Role:       role,
		Parser:     shell.NewParser(&chaincfg.SigNetParams, role),
		Dispatcher: shell.NewDispatcher(node, role, console.Out),
		In:         console.In,
		Out:        console.Out,
		Echo:       shell.EchoInput(console.In),
		Quit:       interceptor.ShutdownChannel(),
	})
}

// chainTip reports the best block of the chain.
type chainTip interface {
	BestBlock() (chainhash.Hash, int64)
}

// checkSync compares the node height with the chain tip and warns when the
// node is behind, as it is while the light client is still syncing. It
// returns the number of blocks the node lags the tip.
func checkSync(nodeHeight uint32, chain chainTip) int64 {
	hash, tip := chain.BestBlock()

	lag := tip - int64(nodeHeight)
	if lag > 0 {
		log.Warnf("Node at height %d is %d blocks behind the chain tip "+
			"%v, balances may be stale until it catches up",
			nodeHeight, lag, hash)

		return lag
	}

	log.Infof("Node synced to chain tip %v at height %d", hash, tip)

	return 0
}

// printIdentity prints the role, key and first listening address of the
// node, or a notice when it has no listening address.
func printIdentity(w io.Writer, alias string, nodeID route.Vertex,
	addrs []string) {

	if len(addrs) == 0 {
		fmt.Fprintln(w, "No listening addresses found.")
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Actor Role: %s\n", alias)
	fmt.Fprintf(w, "Public Key: %v\n", nodeID)
	fmt.Fprintf(w, "Internet Address: %s\n", addrs[0])
	fmt.Fprintln(w)
}
