package main

import (
	"flag"
	"testing"

	"github.com/stablechannels/stablechan"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

// newTestContext parses args with the flags of the given command.
func newTestContext(t *testing.T, cmd cli.Command,
	args ...string) *cli.Context {

	t.Helper()

	set := flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	for _, f := range cmd.Flags {
		f.Apply(set)
	}
	require.NoError(t, set.Parse(args))

	return cli.NewContext(cli.NewApp(), set, nil)
}

// TestLoadConfigFlags checks that set flags override the role defaults.
func TestLoadConfigFlags(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(
		t, userCommand,
		"--port", "10001",
		"--datadir", t.TempDir(),
		"--esplora", "",
		"--neutrino.connect", "10.0.0.1:38333",
		"--neutrino.connect", "10.0.0.2:38333",
		"--lsp-pubkey", "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce"+
			"28d959f2815b16f81798",
	)

	cfg, err := loadConfig(ctx, stablechan.RoleUser)
	require.NoError(t, err)
	require.Equal(t, uint16(10001), cfg.Port)
	require.Empty(t, cfg.Esplora)
	require.Equal(t, "user", cfg.Alias)
	require.Equal(t, []string{"10.0.0.1:38333", "10.0.0.2:38333"},
		cfg.NeutrinoPeers)
	require.NotEmpty(t, cfg.LSPPubKey)
}

// TestLoadConfigDefaults checks that unset flags keep the defaults.
func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, lspCommand)

	cfg, err := loadConfig(ctx, stablechan.RoleLSP)
	require.NoError(t, err)
	require.Equal(t, uint16(stablechan.DefaultLSPPort), cfg.Port)
	require.Equal(t, stablechan.DefaultEsploraURL, cfg.Esplora)
}

// TestLoadConfigInvalid checks that validation errors are returned.
func TestLoadConfigInvalid(t *testing.T) {
	t.Parallel()

	ctx := newTestContext(t, userCommand, "--port", "70000")
	_, err := loadConfig(ctx, stablechan.RoleUser)
	require.ErrorContains(t, err, "invalid port")

	ctx = newTestContext(t, userCommand, "--lsp-pubkey", "nope")
	_, err = loadConfig(ctx, stablechan.RoleUser)
	require.ErrorContains(t, err, "invalid lsp public key")
}
