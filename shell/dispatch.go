package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stablechannels/stablechan/amount"
	"github.com/stablechannels/stablechan/lnnode"
)

const (
	invoiceDescription = "test invoice"
	invoiceExpiry      = 6000 * time.Second

	jitInvoiceAmount      lnwire.MilliSatoshi = 50_000_000
	jitInvoiceDescription                     = "Stable Channel"
	jitInvoiceExpiry                          = 3600 * time.Second
	jitInvoiceMaxLSPFee   lnwire.MilliSatoshi = 10_000_000

	channelSeparator = "--------------------------------------------"
)

// Node is the set of node operations the command loop drives.
type Node interface {
	NewAddress(ctx context.Context) (string, error)

	SendCoins(ctx context.Context, addr btcutil.Address,
		amt btcutil.Amount) (string, error)

	OpenChannel(ctx context.Context, peer route.Vertex, host string,
		capacity btcutil.Amount) (string, error)

	Balances(ctx context.Context) (*lnnode.Balances, error)

	ListChannels(ctx context.Context) ([]lnnode.ChannelDetails, error)

	CloseChannel(ctx context.Context, channel lnnode.ChannelDetails) error

	CreateInvoice(ctx context.Context, amt lnwire.MilliSatoshi,
		description string, expiry time.Duration) (string, error)

	PayInvoice(ctx context.Context, payReq string,
		invoice *zpay32.Invoice) (lntypes.Hash, error)

	JitInvoice(ctx context.Context,
		req *lnnode.JitInvoiceRequest) (string, error)

	ConnectToLSP(ctx context.Context) error

	LiquiditySource() fn.Option[lnnode.LiquiditySource]
}

// A compile-time check to ensure lnnode.Node implements Node.
var _ Node = (*lnnode.Node)(nil)

// Role holds the per-role command set and wording.
type Role struct {
	// Name is the role name used on the command line.
	Name string

	// Display is the role name used in output.
	Display string

	// LightningBalanceLabel labels the Lightning balance line.
	LightningBalanceLabel string

	// commands holds the names of the commands the role accepts.
	commands map[string]struct{}

	// listChannels prints the channel listing.
	listChannels func(w io.Writer, channels []lnnode.ChannelDetails)
}

// Prompt returns the input prompt of the role.
func (r *Role) Prompt() string {
	return fmt.Sprintf("Enter command for %s: ", r.Name)
}

// Accepts returns whether the role knows the command.
func (r *Role) Accepts(cmd Command) bool {
	_, ok := r.commands[cmd.Name()]
	return ok
}

func commandSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}

	return set
}

var (
	// UserRole is the consumer wallet role.
	UserRole = &Role{
		Name:                  "user",
		Display:               "User",
		LightningBalanceLabel: "Stable Receiver Lightning Balance",
		commands: commandSet(
			"onchaintransfer", "getaddress", "openchannel",
			"balance", "closeallchannels", "listallchannels",
			"getinvoice", "payinvoice", "getjitinvoice",
			"connecttolsp", "exit",
		),
		listChannels: printChannelTable,
	}

	// LSPRole is the liquidity service provider role.
	LSPRole = &Role{
		Name:                  "lsp",
		Display:               "LSP",
		LightningBalanceLabel: "LSP Lightning Balance",
		commands: commandSet(
			"onchaintransfer", "getaddress", "openchannel",
			"balance", "closeallchannels", "listallchannels",
			"getinvoice", "payinvoice", "exit",
		),
		listChannels: printChannelDump,
	}
)

// RoleByName returns the role with the given name.
func RoleByName(name string) (*Role, error) {
	switch name {
	case UserRole.Name:
		return UserRole, nil

	case LSPRole.Name:
		return LSPRole, nil

	default:
		return nil, fmt.Errorf("unknown role %q", name)
	}
}

// printChannelTable prints one framed block per channel.
func printChannelTable(w io.Writer, channels []lnnode.ChannelDetails) {
	if len(channels) == 0 {
		fmt.Fprintln(w, "No channels found.")
		return
	}

	fmt.Fprintln(w, "User Channels:")
	for _, c := range channels {
		fmt.Fprintln(w, channelSeparator)
		fmt.Fprintf(w, "Channel ID: %s\n", c.ChannelPoint)
		fmt.Fprintf(w, "Channel Value: %v\n",
			amount.FromAmount(c.Capacity))
		fmt.Fprintf(w, "Channel Ready?: %v\n", c.Ready)
	}
	fmt.Fprintln(w, channelSeparator)
}

// printChannelDump prints the channel ids followed by a full dump.
func printChannelDump(w io.Writer, channels []lnnode.ChannelDetails) {
	fmt.Fprintln(w, "channels:")
	for _, c := range channels {
		fmt.Fprintln(w, c.ChannelPoint)
	}

	fmt.Fprintln(w, "channel details:")
	fmt.Fprint(w, spew.Sdump(channels))
}

// Dispatcher executes commands against a node and prints the outcome.
type Dispatcher struct {
	node Node
	role *Role
	out  io.Writer
}

// NewDispatcher returns a dispatcher for the given node and role.
func NewDispatcher(node Node, role *Role, out io.Writer) *Dispatcher {
	return &Dispatcher{
		node: node,
		role: role,
		out:  out,
	}
}

func (d *Dispatcher) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.out, format+"\n", args...)
}

// Dispatch executes a single command. It returns true when the loop should
// end. Commands are expected to come from a Parser of the same role, which
// already turns commands the role does not know into Unknown.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) bool {
	switch c := cmd.(type) {
	case Exit:
		return true

	case Invalid:
		d.printf("%s", c.Message)

	case Unknown:
		d.printf("Unknown command or incorrect arguments: %s", c.Input)

	case OnchainTransfer:
		txid, err := d.node.SendCoins(ctx, c.Address, c.Amount)
		if err != nil {
			d.printf("Error sending on-chain transfer: %v", err)
			return false
		}
		d.printf("On-chain transfer successful. Transaction ID: %s",
			txid)

	case GetAddress:
		addr, err := d.node.NewAddress(ctx)
		if err != nil {
			d.printf("Error getting funding address: %v", err)
			return false
		}
		d.printf("%s Funding Address: %s", d.role.Display, addr)

	case OpenChannel:
		_, err := d.node.OpenChannel(
			ctx, c.PubKey, c.Address, c.Capacity,
		)
		if err != nil {
			d.printf("Failed to open channel: %v", err)
			return false
		}
		d.printf("Channel successfully opened to %s", c.NodeID)

	case Balance:
		balances, err := d.node.Balances(ctx)
		if err != nil {
			d.printf("Error getting balances: %v", err)
			return false
		}
		d.printf("%s On-Chain Balance: %v", d.role.Display,
			amount.FromAmount(balances.OnChain))
		d.printf("%s: %v", d.role.LightningBalanceLabel,
			amount.FromAmount(balances.Lightning))

	case CloseAllChannels:
		d.closeAllChannels(ctx)

	case ListAllChannels:
		channels, err := d.node.ListChannels(ctx)
		if err != nil {
			d.printf("Error listing channels: %v", err)
			return false
		}
		d.role.listChannels(d.out, channels)

	case GetInvoice:
		invoice, err := d.node.CreateInvoice(
			ctx, lnwire.NewMSatFromSatoshis(c.Amount),
			invoiceDescription, invoiceExpiry,
		)
		if err != nil {
			d.printf("Error creating invoice: %v", err)
			return false
		}
		d.printf("%s Invoice: %s", d.role.Display, invoice)

	case PayInvoice:
		id, err := d.node.PayInvoice(ctx, c.PaymentRequest, c.Invoice)
		if err != nil {
			d.printf("Error sending payment from %s: %v",
				d.role.Display, err)
			return false
		}
		d.printf("Payment sent from %s with payment_id: %v",
			d.role.Display, id)

	case GetJitInvoice:
		invoice, err := d.node.JitInvoice(ctx, &lnnode.JitInvoiceRequest{
			Amount:      jitInvoiceAmount,
			Description: jitInvoiceDescription,
			Expiry:      jitInvoiceExpiry,
			MaxLSPFee:   jitInvoiceMaxLSPFee,
		})
		if err != nil {
			d.printf("Error: %v", err)
			return false
		}
		d.printf("Invoice: %q", invoice)

	case ConnectToLsp:
		err := d.node.ConnectToLSP(ctx)
		switch {
		// Nothing to connect to.
		case errors.Is(err, lnnode.ErrNoLiquiditySource):

		case err != nil:
			d.printf("Error connecting to LSP: %v", err)

		default:
			d.node.LiquiditySource().WhenSome(
				func(src lnnode.LiquiditySource) {
					d.printf("Connected to LSP %v",
						src.PubKey)
				},
			)
		}
	}

	return false
}

// closeAllChannels starts a cooperative close of every channel and reports
// each failure.
func (d *Dispatcher) closeAllChannels(ctx context.Context) {
	channels, err := d.node.ListChannels(ctx)
	if err != nil {
		d.printf("Error listing channels: %v", err)
		return
	}

	for _, c := range channels {
		if err := d.node.CloseChannel(ctx, c); err != nil {
			d.printf("Failed to close channel %s: %v",
				c.ChannelPoint, err)
		}
	}

	d.printf("Closing all channels.")
}
