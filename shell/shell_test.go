package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stablechannels/stablechan/lnnode"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	testSignetAddr  = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	testMainnetAddr = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	testLegacyAddr  = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

	testNodeID = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f" +
		"2815b16f81798"
)

// fakeNode records every call made by the dispatcher.
type fakeNode struct {
	calls []string

	err error

	sendAddr      btcutil.Address
	sendAmt       btcutil.Amount
	openPeer      route.Vertex
	openHost      string
	openAmt       btcutil.Amount
	invoiceAmt    lnwire.MilliSatoshi
	invoiceMemo   string
	invoiceExpiry time.Duration
	jitReq        *lnnode.JitInvoiceRequest
	payReq        string

	channels []lnnode.ChannelDetails
	closeErr map[string]error
	closed   []string

	lsp fn.Option[lnnode.LiquiditySource]
}

var _ Node = (*fakeNode)(nil)

func (f *fakeNode) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeNode) NewAddress(context.Context) (string, error) {
	f.record("NewAddress")
	return testSignetAddr, f.err
}

func (f *fakeNode) SendCoins(_ context.Context, addr btcutil.Address,
	amt btcutil.Amount) (string, error) {

	f.record("SendCoins")
	f.sendAddr, f.sendAmt = addr, amt

	return "txid", f.err
}

func (f *fakeNode) OpenChannel(_ context.Context, peer route.Vertex,
	host string, capacity btcutil.Amount) (string, error) {

	f.record("OpenChannel")
	f.openPeer, f.openHost, f.openAmt = peer, host, capacity

	return "aa:0", f.err
}

func (f *fakeNode) Balances(context.Context) (*lnnode.Balances, error) {
	f.record("Balances")
	return &lnnode.Balances{
		OnChain:   btcutil.SatoshiPerBitcoin,
		Lightning: 1,
	}, f.err
}

func (f *fakeNode) ListChannels(context.Context) ([]lnnode.ChannelDetails,
	error) {

	f.record("ListChannels")
	return f.channels, f.err
}

func (f *fakeNode) CloseChannel(_ context.Context,
	channel lnnode.ChannelDetails) error {

	f.record("CloseChannel")
	f.closed = append(f.closed, channel.ChannelPoint)

	return f.closeErr[channel.ChannelPoint]
}

func (f *fakeNode) CreateInvoice(_ context.Context, amt lnwire.MilliSatoshi,
	description string, expiry time.Duration) (string, error) {

	f.record("CreateInvoice")
	f.invoiceAmt, f.invoiceMemo, f.invoiceExpiry = amt, description, expiry

	return "lntbs1invoice", f.err
}

func (f *fakeNode) PayInvoice(_ context.Context, payReq string,
	_ *zpay32.Invoice) (lntypes.Hash, error) {

	f.record("PayInvoice")
	f.payReq = payReq

	return lntypes.Hash{0xab}, f.err
}

func (f *fakeNode) JitInvoice(_ context.Context,
	req *lnnode.JitInvoiceRequest) (string, error) {

	f.record("JitInvoice")
	f.jitReq = req

	return "lntbs1jit", f.err
}

func (f *fakeNode) ConnectToLSP(context.Context) error {
	f.record("ConnectToLSP")
	if f.lsp.IsNone() {
		return lnnode.ErrNoLiquiditySource
	}

	return f.err
}

func (f *fakeNode) LiquiditySource() fn.Option[lnnode.LiquiditySource] {
	return f.lsp
}

// runLine parses and dispatches a single line for the given role and
// returns the output and whether the loop should end.
func runLine(t *testing.T, node Node, role *Role, line string) (string,
	bool) {

	t.Helper()

	var out bytes.Buffer
	parser := NewParser(&chaincfg.SigNetParams, role)
	d := NewDispatcher(node, role, &out)
	exit := d.Dispatch(context.Background(), parser.Parse(line))

	return out.String(), exit
}

// testInvoice encodes a signed invoice for the given network.
func testInvoice(t *testing.T, params *chaincfg.Params) string {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	invoice, err := zpay32.NewInvoice(
		params, [32]byte{1}, time.Now(),
		zpay32.Amount(10_000_000),
		zpay32.Description("coffee"),
		zpay32.PaymentAddr([32]byte{2}),
	)
	require.NoError(t, err)

	payReq, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			hash := chainhash.HashB(msg)
			return ecdsa.SignCompact(privKey, hash, true), nil
		},
	})
	require.NoError(t, err)

	return payReq
}

// TestWhitespaceIsUnknown checks that blank lines never reach the node.
func TestWhitespaceIsUnknown(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		line := rapid.StringOf(
			rapid.SampledFrom([]rune{' ', '\t', '\r', '\n', '\v'}),
		).Draw(t, "line")

		node := &fakeNode{}
		var out bytes.Buffer
		d := NewDispatcher(node, UserRole, &out)
		cmd := NewParser(&chaincfg.SigNetParams, UserRole).Parse(line)

		require.IsType(t, Unknown{}, cmd)
		require.False(t, d.Dispatch(context.Background(), cmd))
		require.Equal(t, "Unknown command or incorrect arguments: \n",
			out.String())
		require.Empty(t, node.calls)
	})
}

// TestParseFields checks that arguments are split on whitespace runs.
func TestParseFields(t *testing.T) {
	t.Parallel()

	parser := NewParser(&chaincfg.SigNetParams, UserRole)

	cmd := parser.Parse("  getinvoice \t 1000  ")
	require.Equal(t, GetInvoice{Amount: 1000}, cmd)

	cmd = parser.Parse("getinvoice 1000 extra")
	require.Equal(t, Unknown{Input: "getinvoice 1000 extra"}, cmd)

	cmd = parser.Parse("balance now")
	require.Equal(t, Unknown{Input: "balance now"}, cmd)

	cmd = parser.Parse("frobnicate")
	require.Equal(t, Unknown{Input: "frobnicate"}, cmd)
}

// TestExit checks that exit ends the loop regardless of arguments.
func TestExit(t *testing.T) {
	t.Parallel()

	for _, role := range []*Role{UserRole, LSPRole} {
		for _, line := range []string{"exit", "exit now", " exit a b "} {
			node := &fakeNode{}
			out, exit := runLine(t, node, role, line)
			require.True(t, exit, line)
			require.Empty(t, out)
			require.Empty(t, node.calls)
		}
	}
}

// TestReadOnlyCommands checks that the listing commands only read.
func TestReadOnlyCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line     string
		expCalls []string
	}{
		{line: "getaddress", expCalls: []string{"NewAddress"}},
		{line: "balance", expCalls: []string{"Balances"}},
		{line: "listallchannels", expCalls: []string{"ListChannels"}},
	}

	for _, test := range tests {
		for _, role := range []*Role{UserRole, LSPRole} {
			node := &fakeNode{}
			_, exit := runLine(t, node, role, test.line)
			require.False(t, exit)
			require.Equal(t, test.expCalls, node.calls, test.line)
		}
	}
}

// TestOutputs checks the success output of the read commands per role.
func TestOutputs(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}

	out, _ := runLine(t, node, UserRole, "getaddress")
	require.Equal(t, "User Funding Address: "+testSignetAddr+"\n", out)

	out, _ = runLine(t, node, LSPRole, "getaddress")
	require.Equal(t, "LSP Funding Address: "+testSignetAddr+"\n", out)

	out, _ = runLine(t, node, UserRole, "balance")
	require.Equal(t, "User On-Chain Balance: 1.00000000 BTC\n"+
		"Stable Receiver Lightning Balance: 0.00000001 BTC\n", out)

	out, _ = runLine(t, node, LSPRole, "balance")
	require.Equal(t, "LSP On-Chain Balance: 1.00000000 BTC\n"+
		"LSP Lightning Balance: 0.00000001 BTC\n", out)

	node.err = errors.New("wallet locked")
	out, _ = runLine(t, node, UserRole, "getaddress")
	require.Equal(t, "Error getting funding address: wallet locked\n", out)
}

// TestListAllChannels checks both listing styles.
func TestListAllChannels(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	out, _ := runLine(t, node, UserRole, "listallchannels")
	require.Equal(t, "No channels found.\n", out)

	node.channels = []lnnode.ChannelDetails{{
		ChannelPoint: "aa:0",
		Capacity:     100_000,
		Ready:        true,
	}}

	out, _ = runLine(t, node, UserRole, "listallchannels")
	require.Equal(t, "User Channels:\n"+
		channelSeparator+"\n"+
		"Channel ID: aa:0\n"+
		"Channel Value: 0.00100000 BTC\n"+
		"Channel Ready?: true\n"+
		channelSeparator+"\n", out)

	out, _ = runLine(t, node, LSPRole, "listallchannels")
	require.True(t, strings.HasPrefix(out, "channels:\naa:0\n"+
		"channel details:\n"))
	require.Contains(t, out, "ChannelPoint: (string) (len=4) \"aa:0\"")
}

// TestOnchainTransfer checks argument validation and the send call.
func TestOnchainTransfer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		exp     string
		expSent bool
	}{
		{
			name: "invalid amount",
			line: "onchaintransfer " + testSignetAddr + " abc",
			exp:  "Invalid amount of satoshis provided\n",
		},
		{
			name: "negative amount",
			line: "onchaintransfer " + testSignetAddr + " -5",
			exp:  "Invalid amount of satoshis provided\n",
		},
		{
			name: "mainnet segwit address",
			line: "onchaintransfer " + testMainnetAddr + " 1000",
			exp:  "Invalid bitcoin address\n",
		},
		{
			name: "mainnet legacy address",
			line: "onchaintransfer " + testLegacyAddr + " 1000",
			exp:  "Invalid bitcoin address\n",
		},
		{
			name: "garbage address",
			line: "onchaintransfer nope 1000",
			exp:  "Invalid bitcoin address\n",
		},
		{
			name: "missing amount",
			line: "onchaintransfer " + testSignetAddr,
			exp:  onchainTransferUsage + "\n",
		},
		{
			name:    "valid",
			line:    "onchaintransfer " + testSignetAddr + " 25000",
			exp:     "On-chain transfer successful. Transaction ID: txid\n",
			expSent: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			node := &fakeNode{}
			out, exit := runLine(t, node, UserRole, test.line)
			require.False(t, exit)
			require.Equal(t, test.exp, out)

			if !test.expSent {
				require.Empty(t, node.calls)
				return
			}

			require.Equal(t, []string{"SendCoins"}, node.calls)
			require.Equal(t, testSignetAddr, node.sendAddr.String())
			require.Equal(t, btcutil.Amount(25_000), node.sendAmt)
		})
	}
}

// TestOpenChannel checks that malformed arguments are reported and valid
// ones push half the capacity through the node.
func TestOpenChannel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		exp     string
		expOpen bool
	}{
		{
			name: "missing args",
			line: "openchannel " + testNodeID,
			exp:  openChannelUsage + "\n",
		},
		{
			name: "bad node id",
			line: "openchannel zz 127.0.0.1:9737 100000",
			exp:  "Invalid node id",
		},
		{
			name: "bad amount",
			line: "openchannel " + testNodeID + " 127.0.0.1:9737 lots",
			exp:  "Invalid amount of satoshis provided\n",
		},
		{
			name:    "valid",
			line:    "openchannel " + testNodeID + " 127.0.0.1:9737 100000",
			exp:     "Channel successfully opened to " + testNodeID + "\n",
			expOpen: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			node := &fakeNode{}
			out, exit := runLine(t, node, LSPRole, test.line)
			require.False(t, exit)
			require.Contains(t, out, test.exp)

			if !test.expOpen {
				require.Empty(t, node.calls)
				return
			}

			require.Equal(t, testNodeID, node.openPeer.String())
			require.Equal(t, "127.0.0.1:9737", node.openHost)
			require.Equal(t, btcutil.Amount(100_000), node.openAmt)
		})
	}

	node := &fakeNode{err: errors.New("not enough funds")}
	out, _ := runLine(
		t, node, UserRole,
		"openchannel "+testNodeID+" 127.0.0.1:9737 100000",
	)
	require.Equal(t, "Failed to open channel: not enough funds\n", out)
}

// TestGetInvoice checks the invoice request parameters.
func TestGetInvoice(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	out, _ := runLine(t, node, UserRole, "getinvoice 1000")
	require.Equal(t, "User Invoice: lntbs1invoice\n", out)
	require.Equal(t, lnwire.MilliSatoshi(1_000_000), node.invoiceAmt)
	require.Equal(t, "test invoice", node.invoiceMemo)
	require.Equal(t, 6000*time.Second, node.invoiceExpiry)

	out, _ = runLine(t, node, LSPRole, "getinvoice 1000")
	require.Equal(t, "LSP Invoice: lntbs1invoice\n", out)

	node = &fakeNode{}
	out, _ = runLine(t, node, UserRole, "getinvoice ten")
	require.Equal(t, "Invalid sats value provided\n", out)
	require.Empty(t, node.calls)

	node.err = errors.New("boom")
	out, _ = runLine(t, node, UserRole, "getinvoice 1000")
	require.Equal(t, "Error creating invoice: boom\n", out)
}

// TestPayInvoice checks invoice decoding and the payment output.
func TestPayInvoice(t *testing.T) {
	t.Parallel()

	payReq := testInvoice(t, &chaincfg.SigNetParams)

	node := &fakeNode{}
	out, _ := runLine(t, node, UserRole, "payinvoice "+payReq)
	require.Equal(t, "Payment sent from User with payment_id: "+
		lntypes.Hash{0xab}.String()+"\n", out)
	require.Equal(t, payReq, node.payReq)

	node = &fakeNode{}
	mainnet := testInvoice(t, &chaincfg.MainNetParams)
	out, _ = runLine(t, node, LSPRole, "payinvoice "+mainnet)
	require.True(t, strings.HasPrefix(out, "Error parsing invoice: "))
	require.Empty(t, node.calls)

	node = &fakeNode{err: errors.New("no route")}
	out, _ = runLine(t, node, LSPRole, "payinvoice "+payReq)
	require.Equal(t, "Error sending payment from LSP: no route\n", out)
}

// TestGetJitInvoice checks the JIT parameters and that the LSP role does not
// know the command.
func TestGetJitInvoice(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	out, _ := runLine(t, node, UserRole, "getjitinvoice")
	require.Equal(t, "Invoice: \"lntbs1jit\"\n", out)
	require.Equal(t, &lnnode.JitInvoiceRequest{
		Amount:      50_000_000,
		Description: "Stable Channel",
		Expiry:      time.Hour,
		MaxLSPFee:   10_000_000,
	}, node.jitReq)

	node = &fakeNode{err: lnnode.ErrNoLiquiditySource}
	out, _ = runLine(t, node, UserRole, "getjitinvoice")
	require.Equal(t, "Error: no liquidity source configured\n", out)

	node = &fakeNode{}
	out, _ = runLine(t, node, LSPRole, "getjitinvoice")
	require.Equal(t, "Unknown command or incorrect arguments: "+
		"getjitinvoice\n", out)
	require.Empty(t, node.calls)
}

// TestConnectToLsp checks the no-op without an LSP and the output with one.
func TestConnectToLsp(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	out, _ := runLine(t, node, UserRole, "connecttolsp")
	require.Empty(t, out)

	var lsp route.Vertex
	lsp[0] = 2
	node = &fakeNode{lsp: fn.Some(lnnode.LiquiditySource{PubKey: lsp})}
	out, _ = runLine(t, node, UserRole, "connecttolsp")
	require.Equal(t, "Connected to LSP "+lsp.String()+"\n", out)

	out, _ = runLine(t, node, LSPRole, "connecttolsp")
	require.Contains(t, out, "Unknown command")
}

// TestForeignCommandKeepsInput checks that a command of the other role is
// reported with all of its arguments.
func TestForeignCommandKeepsInput(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	out, exit := runLine(t, node, LSPRole, "  getjitinvoice 1000  now ")
	require.False(t, exit)
	require.Equal(t, "Unknown command or incorrect arguments: "+
		"getjitinvoice 1000  now\n", out)
	require.Empty(t, node.calls)

	parser := NewParser(&chaincfg.SigNetParams, LSPRole)
	require.Equal(t, Unknown{Input: "connecttolsp extra"},
		parser.Parse("connecttolsp extra"))
}

// TestCloseAllChannels checks that every channel is closed and failures are
// reported one by one.
func TestCloseAllChannels(t *testing.T) {
	t.Parallel()

	node := &fakeNode{
		channels: []lnnode.ChannelDetails{
			{ChannelPoint: "aa:0"},
			{ChannelPoint: "bb:1"},
			{ChannelPoint: "cc:2"},
		},
		closeErr: map[string]error{
			"bb:1": errors.New("channel is pending"),
		},
	}

	out, _ := runLine(t, node, LSPRole, "closeallchannels")
	require.Equal(t, []string{"aa:0", "bb:1", "cc:2"}, node.closed)
	require.Equal(t, "Failed to close channel bb:1: channel is pending\n"+
		"Closing all channels.\n", out)
}

// TestRun drives the loop with piped input.
func TestRun(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	var out bytes.Buffer

	in := strings.NewReader("getaddress\nopenchannel bad\n\nexit now\n" +
		"balance\n")
	err := Run(context.Background(), &LoopConfig{
		Role:       UserRole,
		Parser:     NewParser(&chaincfg.SigNetParams, UserRole),
		Dispatcher: NewDispatcher(node, UserRole, &out),
		In:         in,
		Out:        &out,
		Echo:       EchoInput(in),
	})
	require.NoError(t, err)

	// The loop continues after the malformed openchannel and stops at
	// exit, so balance is never read.
	require.Equal(t, []string{"NewAddress"}, node.calls)

	prompt := UserRole.Prompt()
	require.Equal(t, prompt+"getaddress\n"+
		"User Funding Address: "+testSignetAddr+"\n"+
		prompt+"openchannel bad\n"+
		openChannelUsage+"\n"+
		prompt+"\n"+
		"Unknown command or incorrect arguments: \n"+
		prompt+"exit now\n", out.String())
}

// TestRunEOF checks that the end of input ends the loop.
func TestRunEOF(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	err := Run(context.Background(), &LoopConfig{
		Role:       LSPRole,
		Parser:     NewParser(&chaincfg.SigNetParams, LSPRole),
		Dispatcher: NewDispatcher(&fakeNode{}, LSPRole, &out),
		In:         strings.NewReader(""),
		Out:        &out,
	})
	require.NoError(t, err)
	require.Equal(t, LSPRole.Prompt()+"\n", out.String())
}

// TestRunLongLine checks that an over-long line is reported and the loop keeps
// reading the lines after it.
func TestRunLongLine(t *testing.T) {
	t.Parallel()

	node := &fakeNode{}
	var out bytes.Buffer

	in := strings.NewReader("payinvoice " + strings.Repeat("a", 70000) +
		"\ngetaddress\n")
	err := Run(context.Background(), &LoopConfig{
		Role:       UserRole,
		Parser:     NewParser(&chaincfg.SigNetParams, UserRole),
		Dispatcher: NewDispatcher(node, UserRole, &out),
		In:         in,
		Out:        &out,
		Echo:       true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"NewAddress"}, node.calls)

	prompt := UserRole.Prompt()
	require.Equal(t, prompt+"\n"+
		"Input line too long, the limit is 65536 bytes\n"+
		prompt+"getaddress\n"+
		"User Funding Address: "+testSignetAddr+"\n"+
		prompt+"\n", out.String())
}

// TestReadLine checks the line limit and a last line without a newline.
func TestReadLine(t *testing.T) {
	t.Parallel()

	atLimit := strings.Repeat("a", maxLineSize)
	r := bufio.NewReaderSize(strings.NewReader(
		atLimit+"\r\n"+atLimit+"b\n\nlast",
	), 4096)

	line, err := readLine(r)
	require.NoError(t, err)
	require.Equal(t, inputLine{text: atLimit}, line)

	line, err = readLine(r)
	require.NoError(t, err)
	require.Equal(t, inputLine{tooLong: true}, line)

	line, err = readLine(r)
	require.NoError(t, err)
	require.Equal(t, inputLine{}, line)

	line, err = readLine(r)
	require.NoError(t, err)
	require.Equal(t, inputLine{text: "last"}, line)

	_, err = readLine(r)
	require.ErrorIs(t, err, io.EOF)
}

// TestRunQuit checks that closing the quit channel ends the loop.
func TestRunQuit(t *testing.T) {
	t.Parallel()

	quit := make(chan struct{})
	close(quit)

	// A reader that never returns keeps the input open.
	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	err := Run(context.Background(), &LoopConfig{
		Role:       UserRole,
		Parser:     NewParser(&chaincfg.SigNetParams, UserRole),
		Dispatcher: NewDispatcher(&fakeNode{}, UserRole, &out),
		In:         pr,
		Out:        &out,
		Quit:       quit,
	})
	require.NoError(t, err)
}

// TestRoleByName checks the role lookup.
func TestRoleByName(t *testing.T) {
	t.Parallel()

	role, err := RoleByName("user")
	require.NoError(t, err)
	require.Equal(t, "Enter command for user: ", role.Prompt())

	role, err = RoleByName("lsp")
	require.NoError(t, err)
	require.Equal(t, "Enter command for lsp: ", role.Prompt())

	_, err = RoleByName("miner")
	require.Error(t, err)
}
