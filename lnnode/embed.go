package lnnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd"
	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const (
	// bufSize is the buffer size of the in-memory RPC listener.
	bufSize = 1024 * 1024

	// rpcTarget is the gRPC target used to reach the in-memory listener.
	// The host part must match a name in lnd's TLS certificate.
	rpcTarget = "passthrough:///localhost"
)

// splitLndArgs splits an argument string on "--" into separate command line
// options.
func splitLndArgs(extraArgs string) []string {
	var splitArgs []string
	for _, a := range strings.Split(extraArgs, "--") {
		// Trim any whitespace space, and ignore empty params.
		a := strings.TrimSpace(a)
		if a == "" {
			continue
		}

		// Finally we prefix any non-empty string with -- to mimic the
		// regular command line arguments.
		splitArgs = append(splitArgs, "--"+a)
	}

	return splitArgs
}

// lndConfig builds and validates the configuration of the embedded lnd.
func (n *Node) lndConfig() (*lnd.Config, error) {
	lndDir, err := filepath.Abs(n.cfg.NodeDir())
	if err != nil {
		return nil, fmt.Errorf("invalid node directory: %w", err)
	}

	cfg := lnd.DefaultConfig()
	cfg.LndDir = lndDir
	cfg.Alias = n.cfg.NodeAlias
	cfg.RawListeners = []string{n.cfg.ListenAddress()}

	// lnd only reports announced addresses in its node URIs.
	cfg.RawExternalIPs = []string{n.cfg.ListenAddress()}

	cfg.Bitcoin.SigNet = true
	cfg.Bitcoin.SigNetChallenge = n.cfg.SigNetChallenge
	cfg.Bitcoin.Node = "neutrino"
	cfg.NeutrinoMode.ConnectPeers = n.cfg.NeutrinoPeers

	// The wallet is created and unlocked without a seed backup, and the
	// RPC server is only reachable in-process.
	cfg.NoSeedBackup = true
	cfg.NoMacaroons = true
	cfg.DisableRest = true

	// Stdout carries the command prompt.
	cfg.LogConfig.Console.Disable = true

	// JIT channels are zero-conf channels identified by an alias.
	if n.cfg.LiquiditySource.IsSome() {
		cfg.ProtocolOptions.OptionScidAlias = true
		cfg.ProtocolOptions.OptionZeroConf = true
	}

	fileParser := flags.NewParser(&cfg, flags.Default)
	flagParser := flags.NewParser(&cfg, flags.Default)

	extraArgs := splitLndArgs(n.cfg.LndArgs)
	if len(extraArgs) > 0 {
		log.Debugf("Applying extra lnd arguments: %v", extraArgs)

		if _, err := flagParser.ParseArgs(extraArgs); err != nil {
			return nil, fmt.Errorf("invalid lnd arguments: %w", err)
		}
	}

	return lnd.ValidateConfig(
		cfg, n.cfg.Interceptor, fileParser, flagParser,
	)
}

// startLnd runs lnd in-process and returns a client connection to its RPC
// server once the server is fully active.
func (n *Node) startLnd(ctx context.Context) (*grpc.ClientConn, error) {
	lndCfg, err := n.lndConfig()
	if err != nil {
		return nil, err
	}

	implCfg := lndCfg.ImplementationConfig(n.cfg.Interceptor)

	lis := bufconn.Listen(bufSize)
	rpcReady := make(chan struct{})
	lisCfg := lnd.ListenerCfg{
		RPCListeners: []*lnd.ListenerWithSignal{{
			Listener: lis,
			Ready:    rpcReady,
		}},
	}

	log.Infof("Starting lnd in %v", lndCfg.LndDir)

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	n.lndRunning.Store(true)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		err := lnd.Main(lndCfg, lisCfg, implCfg, n.cfg.Interceptor)
		var flagErr *flags.Error
		if err != nil && !(errors.As(err, &flagErr) &&
			flagErr.Type == flags.ErrHelp) {

			log.Errorf("lnd exited with error: %v", err)
		}

		n.lndDone <- err
	}()

	select {
	case <-rpcReady:
	case err := <-n.lndDone:
		if err == nil {
			err = errors.New("shutdown requested")
		}

		return nil, fmt.Errorf("lnd exited during startup: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	auth, err := lnd.AdminAuthOptions(lndCfg, true)
	if err != nil {
		return nil, fmt.Errorf("unable to get auth options: %w", err)
	}

	opts := append(auth, grpc.WithContextDialer(
		func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		},
	))
	conn, err := grpc.NewClient(rpcTarget, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to dial lnd: %w", err)
	}

	err = waitForServerActive(ctx, lnrpc.NewStateClient(conn))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return conn, nil
}

// waitForServerActive blocks until lnd reports that all of its subsystems
// are running.
func waitForServerActive(ctx context.Context,
	state lnrpc.StateClient) error {

	stream, err := state.SubscribeState(
		ctx, &lnrpc.SubscribeStateRequest{},
	)
	if err != nil {
		return fmt.Errorf("unable to subscribe to lnd state: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("lnd state stream failed: %w", err)
		}

		log.Debugf("lnd state: %v", resp.State)

		if resp.State == lnrpc.WalletState_SERVER_ACTIVE {
			return nil
		}
	}
}
