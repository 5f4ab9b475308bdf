package shell

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lncfg"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
)

const (
	// defaultPeerPort is used for peer addresses without a port.
	defaultPeerPort = "9735"

	onchainTransferUsage = "Error: 'onchaintransfer' command requires " +
		"two parameters: <destination_address> and <sats>"

	openChannelUsage = "Error: 'openchannel' command requires three " +
		"parameters: <node_id>, <listening_address>, and <sats>"
)

var (
	// ErrInvalidAddress is returned for addresses that do not decode or
	// belong to another network.
	ErrInvalidAddress = errors.New("invalid bitcoin address")

	// ErrInvalidAmount is returned for amounts that are not a valid
	// number of satoshis.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Command is a parsed input line. The concrete types below are the only
// implementations.
type Command interface {
	// Name returns the command name as typed.
	Name() string
}

// OnchainTransfer sends coins to an on-chain address.
type OnchainTransfer struct {
	Address btcutil.Address
	Amount  btcutil.Amount
}

// GetAddress asks for a fresh funding address.
type GetAddress struct{}

// OpenChannel opens an announced channel to a peer.
type OpenChannel struct {
	// NodeID is the peer's public key as typed.
	NodeID string

	// PubKey is the decoded peer key.
	PubKey route.Vertex

	// Address is the peer's host:port.
	Address string

	Capacity btcutil.Amount
}

// Balance prints the on-chain and Lightning balances.
type Balance struct{}

// CloseAllChannels closes every channel.
type CloseAllChannels struct{}

// ListAllChannels lists every channel.
type ListAllChannels struct{}

// GetInvoice creates an invoice for the given amount.
type GetInvoice struct {
	Amount btcutil.Amount
}

// PayInvoice pays a BOLT11 invoice.
type PayInvoice struct {
	// PaymentRequest is the encoded invoice.
	PaymentRequest string

	Invoice *zpay32.Invoice
}

// GetJitInvoice creates an invoice that opens a JIT channel.
type GetJitInvoice struct{}

// ConnectToLsp connects to the configured LSP.
type ConnectToLsp struct{}

// Exit ends the command loop.
type Exit struct{}

// Unknown is any input that matches no command.
type Unknown struct {
	Input string
}

// Invalid is a known command with malformed arguments. Message is printed
// as is.
type Invalid struct {
	Command string
	Message string
}

func (OnchainTransfer) Name() string  { return "onchaintransfer" }
func (GetAddress) Name() string       { return "getaddress" }
func (OpenChannel) Name() string      { return "openchannel" }
func (Balance) Name() string          { return "balance" }
func (CloseAllChannels) Name() string { return "closeallchannels" }
func (ListAllChannels) Name() string  { return "listallchannels" }
func (GetInvoice) Name() string       { return "getinvoice" }
func (PayInvoice) Name() string       { return "payinvoice" }
func (GetJitInvoice) Name() string    { return "getjitinvoice" }
func (ConnectToLsp) Name() string     { return "connecttolsp" }
func (Exit) Name() string             { return "exit" }
func (Unknown) Name() string          { return "" }
func (i Invalid) Name() string        { return i.Command }

// Parser turns input lines into commands.
type Parser struct {
	// Params are the parameters of the network addresses and invoices
	// must belong to.
	Params *chaincfg.Params

	// Role limits the commands that are recognized.
	Role *Role
}

// NewParser returns a parser for the given network and role.
func NewParser(params *chaincfg.Params, role *Role) *Parser {
	return &Parser{
		Params: params,
		Role:   role,
	}
}

// Parse parses one input line. The line is split on whitespace runs, the
// first token names the command and the rest are its arguments. Commands the
// role does not know are returned as Unknown.
func (p *Parser) Parse(line string) Command {
	input := strings.TrimSpace(line)

	cmd := p.parse(input)
	if _, ok := cmd.(Unknown); !ok && !p.Role.Accepts(cmd) {
		return Unknown{Input: input}
	}

	return cmd
}

func (p *Parser) parse(input string) Command {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Unknown{Input: input}
	}

	name, args := fields[0], fields[1:]
	switch {
	case name == "exit":
		return Exit{}

	case name == "onchaintransfer":
		return p.parseOnchainTransfer(args)

	case name == "openchannel":
		return p.parseOpenChannel(args)

	case name == "getinvoice" && len(args) == 1:
		amt, err := parseSats(args[0])
		if err != nil {
			return Invalid{
				Command: name,
				Message: "Invalid sats value provided",
			}
		}

		return GetInvoice{Amount: amt}

	case name == "payinvoice" && len(args) == 1:
		invoice, err := zpay32.Decode(args[0], p.Params)
		if err != nil {
			return Invalid{
				Command: name,
				Message: fmt.Sprintf("Error parsing invoice: %v",
					err),
			}
		}

		return PayInvoice{PaymentRequest: args[0], Invoice: invoice}

	case len(args) != 0:
		return Unknown{Input: input}

	case name == "getaddress":
		return GetAddress{}

	case name == "balance":
		return Balance{}

	case name == "closeallchannels":
		return CloseAllChannels{}

	case name == "listallchannels":
		return ListAllChannels{}

	case name == "getjitinvoice":
		return GetJitInvoice{}

	case name == "connecttolsp":
		return ConnectToLsp{}
	}

	return Unknown{Input: input}
}

func (p *Parser) parseOnchainTransfer(args []string) Command {
	const name = "onchaintransfer"

	if len(args) != 2 {
		return Invalid{Command: name, Message: onchainTransferUsage}
	}

	addr, err := p.parseAddress(args[0])
	if err != nil {
		log.Debugf("Rejecting address %q: %v", args[0], err)

		return Invalid{Command: name, Message: "Invalid bitcoin address"}
	}

	amt, err := parseSats(args[1])
	if err != nil {
		return Invalid{
			Command: name,
			Message: "Invalid amount of satoshis provided",
		}
	}

	return OnchainTransfer{Address: addr, Amount: amt}
}

func (p *Parser) parseOpenChannel(args []string) Command {
	const name = "openchannel"

	if len(args) != 3 {
		return Invalid{Command: name, Message: openChannelUsage}
	}

	pubKey, err := parseNodeID(args[0])
	if err != nil {
		return Invalid{
			Command: name,
			Message: fmt.Sprintf("Invalid node id: %v", err),
		}
	}

	addr, err := lncfg.ParseAddressString(
		args[1], defaultPeerPort, net.ResolveTCPAddr,
	)
	if err != nil {
		return Invalid{
			Command: name,
			Message: fmt.Sprintf("Invalid listening address: %v",
				err),
		}
	}

	amt, err := parseSats(args[2])
	if err != nil {
		return Invalid{
			Command: name,
			Message: "Invalid amount of satoshis provided",
		}
	}

	return OpenChannel{
		NodeID:   args[0],
		PubKey:   pubKey,
		Address:  addr.String(),
		Capacity: amt,
	}
}

// parseAddress decodes an address and checks that it belongs to the parser's
// network.
func (p *Parser) parseAddress(s string) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(s, p.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if !addr.IsForNet(p.Params) {
		return nil, fmt.Errorf("%w: not a %s address",
			ErrInvalidAddress, p.Params.Name)
	}

	return addr, nil
}

// parseSats parses an unsigned number of satoshis.
func parseSats(s string) (btcutil.Amount, error) {
	sats, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if sats > btcutil.MaxSatoshi {
		return 0, fmt.Errorf("%w: %d exceeds the supply", ErrInvalidAmount,
			sats)
	}

	return btcutil.Amount(sats), nil
}

// parseNodeID decodes a hex encoded compressed public key.
func parseNodeID(s string) (route.Vertex, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return route.Vertex{}, err
	}

	pubKey, err := btcec.ParsePubKey(b)
	if err != nil {
		return route.Vertex{}, err
	}

	return route.NewVertex(pubKey), nil
}
