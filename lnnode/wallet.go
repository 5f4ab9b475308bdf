package lnnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
)

// Balances holds the total on-chain and Lightning balance of the node.
type Balances struct {
	// OnChain is the total wallet balance, confirmed and unconfirmed.
	OnChain btcutil.Amount

	// Lightning is the sum of the local balances of all open channels.
	Lightning btcutil.Amount
}

// errNoFeeEstimator is used to unwrap the optional fee estimator.
var errNoFeeEstimator = errors.New("no fee estimator")

// feeRate returns the sat/vB rate to use for on-chain transactions, or zero
// to let lnd pick a rate for the default confirmation target.
func (n *Node) feeRate(ctx context.Context) uint64 {
	estimator, err := n.cfg.FeeEstimator.UnwrapOrErr(errNoFeeEstimator)
	if err != nil {
		return 0
	}

	rate, err := estimator.FeeRate(ctx, defaultConfTarget)
	if err != nil {
		log.Warnf("Unable to get fee estimate, using node estimator: "+
			"%v", err)

		return 0
	}

	return rate
}

// NewAddress returns a fresh native segwit receive address.
func (n *Node) NewAddress(ctx context.Context) (string, error) {
	if n.ln == nil {
		return "", ErrNodeNotStarted
	}

	resp, err := n.ln.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_WITNESS_PUBKEY_HASH,
	})
	if err != nil {
		return "", err
	}

	return resp.Address, nil
}

// SendCoins sends amt to addr and returns the transaction id.
func (n *Node) SendCoins(ctx context.Context, addr btcutil.Address,
	amt btcutil.Amount) (string, error) {

	if n.ln == nil {
		return "", ErrNodeNotStarted
	}

	req := &lnrpc.SendCoinsRequest{
		Addr:   addr.EncodeAddress(),
		Amount: int64(amt),
	}
	if rate := n.feeRate(ctx); rate > 0 {
		req.SatPerVbyte = rate
	} else {
		req.TargetConf = defaultConfTarget
	}

	resp, err := n.ln.SendCoins(ctx, req)
	if err != nil {
		return "", err
	}

	log.Infof("Sent %v to %v in tx %v", amt, addr, resp.Txid)

	return resp.Txid, nil
}

// Balances returns the total on-chain and Lightning balance.
func (n *Node) Balances(ctx context.Context) (*Balances, error) {
	if n.ln == nil {
		return nil, ErrNodeNotStarted
	}

	wallet, err := n.ln.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("unable to get wallet balance: %w", err)
	}

	channels, err := n.ln.ChannelBalance(
		ctx, &lnrpc.ChannelBalanceRequest{},
	)
	if err != nil {
		return nil, fmt.Errorf("unable to get channel balance: %w", err)
	}

	balances := &Balances{
		OnChain: btcutil.Amount(wallet.TotalBalance),
	}
	if channels.LocalBalance != nil {
		balances.Lightning = btcutil.Amount(channels.LocalBalance.Sat)
	}

	return balances, nil
}
