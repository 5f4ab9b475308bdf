package stablechan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/stablechannels/stablechan/build"
	"github.com/stablechannels/stablechan/lnnode"
)

const (
	// RoleUser is the name of the consumer wallet role.
	RoleUser = "user"

	// RoleLSP is the name of the liquidity service provider role.
	RoleLSP = "lsp"

	// DefaultUserPort is the peer port of the user role.
	DefaultUserPort = 9736

	// DefaultLSPPort is the peer port of the lsp role.
	DefaultLSPPort = 9737

	// DefaultDataDir holds one node directory per role.
	DefaultDataDir = "data"

	// DefaultEsploraURL is the block explorer used for the chain tip and
	// fee estimates.
	DefaultEsploraURL = "https://mutinynet.com/api"

	defaultDebugLevel = "info"
)

var (
	// ErrUnknownRole is returned for roles other than user and lsp.
	ErrUnknownRole = errors.New("unknown role")

	// ErrInvalidLSPKey is returned when the liquidity source key is not a
	// valid compressed public key.
	ErrInvalidLSPKey = errors.New("invalid lsp public key")
)

// Config holds the options of a harness run. The long names double as the
// keys of the optional ini config file.
//
//nolint:lll
type Config struct {
	// Role is set by the subcommand and is not a flag.
	Role string `no-ini:"true"`

	ConfigFile string `long:"configfile" description:"Path to an ini config file, command line flags take precedence" no-ini:"true"`

	DataDir    string `long:"datadir" description:"Directory holding one node directory per role"`
	Alias      string `long:"alias" description:"Name of the node directory below the data directory"`
	NodeAlias  string `long:"nodealias" description:"Alias announced to the network"`
	Port       uint16 `long:"port" description:"Peer-to-peer listening port on 127.0.0.1"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} or <subsystem>=<level>,... pairs"`
	LogDir     string `long:"logdir" description:"Directory of the harness log file, defaults to the node directory"`

	Esplora         string   `long:"esplora" description:"Esplora API URL for the chain tip and fee estimates, empty disables it"`
	NeutrinoPeers   []string `long:"neutrino.connect" description:"Peers the light client syncs from"`
	SigNetChallenge string   `long:"signetchallenge" description:"Challenge of the signet to join"`

	LSPPubKey  string `long:"lsp-pubkey" description:"Public key of the LSP to buy JIT channels from (user only)"`
	LSPAddress string `long:"lsp-address" description:"host:port of the LSP"`
	LSPToken   string `long:"lsp-token" description:"LSPS2 token sent to the LSP"`

	LndArgs string `long:"lnd-args" description:"Extra lnd command line options passed to the embedded node"`

	LogConfig *build.LogConfig `group:"logging" namespace:"logging"`
}

// DefaultConfig returns the defaults of the given role. The role itself is
// checked by Validate.
func DefaultConfig(role string) *Config {
	cfg := &Config{
		Role:            role,
		DataDir:         DefaultDataDir,
		Alias:           role,
		NodeAlias:       lnnode.DefaultNodeAlias,
		DebugLevel:      defaultDebugLevel,
		Esplora:         DefaultEsploraURL,
		NeutrinoPeers:   []string{lnnode.MutinynetPeer},
		SigNetChallenge: lnnode.MutinynetChallenge,
		LSPAddress:      lnnode.DefaultLSPAddress,
		LSPToken:        lnnode.DefaultLSPToken,
		LogConfig:       build.DefaultLogConfig(),
	}

	switch role {
	case RoleUser:
		cfg.Port = DefaultUserPort

	case RoleLSP:
		cfg.Port = DefaultLSPPort
	}

	return cfg
}

// LoadConfigFile overlays the ini file named by ConfigFile onto the config.
// Nothing is done when no file is named.
func LoadConfigFile(cfg *Config) error {
	if cfg.ConfigFile == "" {
		return nil
	}

	path := lncfg.CleanAndExpandPath(cfg.ConfigFile)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}

	if err := flags.IniParse(path, cfg); err != nil {
		return fmt.Errorf("unable to parse config file %s: %w", path,
			err)
	}

	return nil
}

// Validate checks the config and normalizes its paths.
func (c *Config) Validate() error {
	if c.Role != RoleUser && c.Role != RoleLSP {
		return fmt.Errorf("%w: %q", ErrUnknownRole, c.Role)
	}

	if c.Port == 0 {
		return errors.New("port must be set")
	}

	if c.Alias == "" {
		return errors.New("alias must be set")
	}

	if c.LSPPubKey != "" {
		if c.Role != RoleUser {
			return errors.New("only the user role takes an lsp " +
				"public key")
		}

		if _, err := parsePubKey(c.LSPPubKey); err != nil {
			return err
		}

		if c.LSPAddress == "" {
			return errors.New("lsp address must be set")
		}
	}

	if c.Esplora != "" {
		u, err := url.Parse(c.Esplora)
		if err != nil {
			return fmt.Errorf("invalid esplora url: %w", err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid esplora url %q: scheme must "+
				"be http or https", c.Esplora)
		}
	}

	if err := c.LogConfig.Validate(); err != nil {
		return err
	}

	c.DataDir = lncfg.CleanAndExpandPath(c.DataDir)
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, c.Alias)
	}
	c.LogDir = lncfg.CleanAndExpandPath(c.LogDir)

	return nil
}

// LogFile returns the path of the harness log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, build.DefaultLogFilename)
}

// nodeConfig translates the harness config into the node config.
func (c *Config) nodeConfig(interceptor signal.Interceptor,
	feeEstimator fn.Option[lnnode.FeeEstimator]) (*lnnode.Config, error) {

	display := "User"
	if c.Role == RoleLSP {
		display = "LSP"
	}

	cfg := &lnnode.Config{
		Role:            display,
		DataDir:         c.DataDir,
		Alias:           c.Alias,
		NodeAlias:       c.NodeAlias,
		Port:            c.Port,
		SigNetChallenge: c.SigNetChallenge,
		NeutrinoPeers:   c.NeutrinoPeers,
		LndArgs:         c.LndArgs,
		FeeEstimator:    feeEstimator,
		Interceptor:     interceptor,
	}

	if c.LSPPubKey != "" {
		pubKey, err := parsePubKey(c.LSPPubKey)
		if err != nil {
			return nil, err
		}

		cfg.LiquiditySource = fn.Some(lnnode.LiquiditySource{
			PubKey:  pubKey,
			Address: c.LSPAddress,
			Token:   c.LSPToken,
		})
	}

	return cfg, nil
}

// parsePubKey decodes a hex encoded compressed public key.
func parsePubKey(s string) (route.Vertex, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return route.Vertex{}, fmt.Errorf("%w: %v", ErrInvalidLSPKey, err)
	}

	pubKey, err := btcec.ParsePubKey(b)
	if err != nil {
		return route.Vertex{}, fmt.Errorf("%w: %v", ErrInvalidLSPKey, err)
	}

	return route.NewVertex(pubKey), nil
}
