package main

import (
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/signal"
	"github.com/stablechannels/stablechan"
	"github.com/stablechannels/stablechan/build"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[stablechan] %v\n", err)
	os.Exit(1)
}

// commonFlags are accepted by both roles.
var commonFlags = []cli.Flag{
	cli.StringFlag{
		Name:      "configfile",
		Usage:     "Path to an ini config file.",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory holding one node directory per role.",
		Value: stablechan.DefaultDataDir,
	},
	cli.StringFlag{
		Name:  "alias",
		Usage: "Name of the node directory, defaults to the role.",
	},
	cli.UintFlag{
		Name:  "port",
		Usage: "Peer-to-peer listening port on 127.0.0.1.",
	},
	cli.StringFlag{
		Name:  "esplora",
		Usage: "Esplora API URL, empty disables it.",
		Value: stablechan.DefaultEsploraURL,
	},
	cli.StringSliceFlag{
		Name:  "neutrino.connect",
		Usage: "Peer the light client syncs from, may be repeated.",
	},
	cli.StringFlag{
		Name:  "signetchallenge",
		Usage: "Challenge of the signet to join.",
	},
	cli.StringFlag{
		Name: "lnd-args",
		Usage: "Extra lnd options, e.g. " +
			"\"--bitcoin.defaultchanconfs=1\".",
	},
	cli.StringFlag{
		Name: "debuglevel",
		Usage: "Logging level for all subsystems or " +
			"<subsystem>=<level>,... pairs.",
	},
	cli.StringFlag{
		Name:      "logdir",
		Usage:     "Directory of the harness log file.",
		TakesFile: true,
	},
}

// lspFlags configure the liquidity source of the user role.
var lspFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "lsp-pubkey",
		Usage: "Public key of the LSP to buy JIT channels from.",
	},
	cli.StringFlag{
		Name:  "lsp-address",
		Usage: "host:port of the LSP.",
	},
	cli.StringFlag{
		Name:  "lsp-token",
		Usage: "LSPS2 token sent to the LSP.",
	},
}

var userCommand = cli.Command{
	Name:   stablechan.RoleUser,
	Usage:  "Run the consumer wallet role.",
	Flags:  append(append([]cli.Flag{}, commonFlags...), lspFlags...),
	Action: runRole,
}

var lspCommand = cli.Command{
	Name:   stablechan.RoleLSP,
	Usage:  "Run the liquidity service provider role.",
	Flags:  commonFlags,
	Action: runRole,
}

// loadConfig builds the config of the role: defaults, then the config file,
// then the flags set on the command line.
func loadConfig(ctx *cli.Context, role string) (*stablechan.Config, error) {
	cfg := stablechan.DefaultConfig(role)
	cfg.ConfigFile = ctx.String("configfile")

	if err := stablechan.LoadConfigFile(cfg); err != nil {
		return nil, err
	}

	setString := func(name string, target *string) {
		if ctx.IsSet(name) {
			*target = ctx.String(name)
		}
	}

	setString("datadir", &cfg.DataDir)
	setString("alias", &cfg.Alias)
	setString("esplora", &cfg.Esplora)
	setString("signetchallenge", &cfg.SigNetChallenge)
	setString("lnd-args", &cfg.LndArgs)
	setString("debuglevel", &cfg.DebugLevel)
	setString("logdir", &cfg.LogDir)
	setString("lsp-pubkey", &cfg.LSPPubKey)
	setString("lsp-address", &cfg.LSPAddress)
	setString("lsp-token", &cfg.LSPToken)

	if ctx.IsSet("port") {
		port := ctx.Uint("port")
		if port > 65535 {
			return nil, fmt.Errorf("invalid port %d", port)
		}
		cfg.Port = uint16(port)
	}

	if ctx.IsSet("neutrino.connect") {
		cfg.NeutrinoPeers = ctx.StringSlice("neutrino.connect")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func runRole(ctx *cli.Context) error {
	if ctx.NArg() != 0 {
		return cli.ShowCommandHelp(ctx, ctx.Command.Name)
	}

	cfg, err := loadConfig(ctx, ctx.Command.Name)
	if err != nil {
		return err
	}

	// Hook interceptor for os signals. It is shared with the embedded
	// node, which shuts down on the same signal.
	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	return stablechan.Main(cfg, interceptor, stablechan.Console{
		In:  os.Stdin,
		Out: os.Stdout,
	})
}

func main() {
	app := cli.NewApp()
	app.Name = "stablechan"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "interactive harness for a Lightning node on signet"
	app.Commands = []cli.Command{
		userCommand,
		lspCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
