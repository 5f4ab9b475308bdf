package lnnode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/stablechannels/stablechan/lsps"
)

const (
	// paymentTimeout is the time the router may spend on a payment.
	paymentTimeout = 60 * time.Second

	// minFeeLimit is the smallest routing fee budget of a payment.
	minFeeLimit lnwire.MilliSatoshi = 100_000

	// feeLimitPercent is the routing fee budget relative to the amount.
	feeLimitPercent = 5

	// lspsTimeout bounds a single LSPS request.
	lspsTimeout = 30 * time.Second
)

var (
	// ErrNoInvoiceAmount is returned when paying an invoice that does not
	// specify an amount.
	ErrNoInvoiceAmount = errors.New("invoice has no amount")

	// ErrPaymentFailed is returned when the router gives up on a payment
	// right away.
	ErrPaymentFailed = errors.New("payment failed")
)

// JitInvoiceRequest describes a just-in-time channel invoice.
type JitInvoiceRequest struct {
	// Amount is the amount the payer sends.
	Amount lnwire.MilliSatoshi

	// Description is the invoice description.
	Description string

	// Expiry is the invoice lifetime.
	Expiry time.Duration

	// MaxLSPFee is the highest opening fee accepted from the LSP.
	MaxLSPFee lnwire.MilliSatoshi
}

// CreateInvoice creates a BOLT11 invoice.
func (n *Node) CreateInvoice(ctx context.Context, amt lnwire.MilliSatoshi,
	description string, expiry time.Duration) (string, error) {

	return n.addInvoice(ctx, &lnrpc.Invoice{
		Memo:      description,
		ValueMsat: int64(amt),
		Expiry:    int64(expiry.Seconds()),
	})
}

func (n *Node) addInvoice(ctx context.Context,
	invoice *lnrpc.Invoice) (string, error) {

	if n.ln == nil {
		return "", ErrNodeNotStarted
	}

	resp, err := n.ln.AddInvoice(ctx, invoice)
	if err != nil {
		return "", err
	}

	log.Debugf("Created invoice for %v msat, hash=%x", invoice.ValueMsat,
		resp.RHash)

	return resp.PaymentRequest, nil
}

// feeLimit returns the routing fee budget for a payment of amt.
func feeLimit(amt lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	limit := amt * feeLimitPercent / 100
	if limit < minFeeLimit {
		return minFeeLimit
	}

	return limit
}

// PayInvoice sends a payment for the decoded invoice and returns the payment
// hash once the router accepted the payment.
func (n *Node) PayInvoice(ctx context.Context, payReq string,
	invoice *zpay32.Invoice) (lntypes.Hash, error) {

	if n.router == nil {
		return lntypes.Hash{}, ErrNodeNotStarted
	}

	if invoice.MilliSat == nil || *invoice.MilliSat == 0 {
		return lntypes.Hash{}, ErrNoInvoiceAmount
	}
	if invoice.PaymentHash == nil {
		return lntypes.Hash{}, errors.New("invoice has no payment hash")
	}
	hash := lntypes.Hash(*invoice.PaymentHash)

	// The payment keeps going after the first update, so the stream only
	// needs to live until then.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := n.router.SendPaymentV2(
		streamCtx, &routerrpc.SendPaymentRequest{
			PaymentRequest: payReq,
			TimeoutSeconds: int32(paymentTimeout.Seconds()),
			FeeLimitMsat:   int64(feeLimit(*invoice.MilliSat)),
		},
	)
	if err != nil {
		return lntypes.Hash{}, err
	}

	payment, err := stream.Recv()
	if err != nil {
		return lntypes.Hash{}, err
	}

	if payment.Status == lnrpc.Payment_FAILED {
		return lntypes.Hash{}, fmt.Errorf("%w: %v", ErrPaymentFailed,
			payment.FailureReason)
	}

	log.Infof("Payment %v is %v", hash, payment.Status)

	return hash, nil
}

// LiquiditySource returns the configured LSP, if any.
func (n *Node) LiquiditySource() fn.Option[LiquiditySource] {
	return n.cfg.LiquiditySource
}

// ConnectToLSP connects to the configured LSP. It returns
// ErrNoLiquiditySource when none is configured.
func (n *Node) ConnectToLSP(ctx context.Context) error {
	src, err := n.cfg.LiquiditySource.UnwrapOrErr(ErrNoLiquiditySource)
	if err != nil {
		return err
	}

	return n.ConnectPeer(ctx, src.PubKey, src.Address)
}

// JitInvoice negotiates a JIT channel with the LSP and returns an invoice
// that routes through it. The LSP opens the channel once the payment
// arrives and skims its opening fee from the forwarded amount.
func (n *Node) JitInvoice(ctx context.Context,
	req *JitInvoiceRequest) (string, error) {

	src, err := n.cfg.LiquiditySource.UnwrapOrErr(ErrNoLiquiditySource)
	if err != nil {
		return "", err
	}
	if n.lsps == nil {
		return "", ErrNodeNotStarted
	}

	if err := n.ConnectToLSP(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, lspsTimeout)
	defer cancel()

	menu, err := n.lsps.GetInfo(ctx, src.PubKey, src.Token)
	if err != nil {
		return "", fmt.Errorf("unable to get LSP info: %w", err)
	}

	params, fee, err := lsps.SelectFeeParams(
		menu, req.Amount, req.MaxLSPFee, n.cfg.Clock.Now(),
	)
	if err != nil {
		return "", err
	}

	log.Infof("Buying JIT channel from %v, opening fee %v", src.PubKey,
		fee)

	// lnd settles an invoice only for at least its full amount, and the
	// LSP forwards the amount minus its fee.
	if fee > 0 {
		log.Warnf("JIT invoice is for %v but the LSP forwards only %v "+
			"after its opening fee of %v, lnd will not settle it "+
			"unless the payer overpays", req.Amount, req.Amount-fee,
			fee)
	}

	buy, err := n.lsps.Buy(ctx, src.PubKey, *params, req.Amount)
	if err != nil {
		return "", fmt.Errorf("unable to buy JIT channel: %w", err)
	}

	scid, err := buy.SCID()
	if err != nil {
		return "", err
	}

	return n.addInvoice(ctx, &lnrpc.Invoice{
		Memo:      req.Description,
		ValueMsat: int64(req.Amount),
		Expiry:    int64(req.Expiry.Seconds()),
		RouteHints: []*lnrpc.RouteHint{{
			HopHints: []*lnrpc.HopHint{{
				NodeId:          src.PubKey.String(),
				ChanId:          scid.ToUint64(),
				CltvExpiryDelta: buy.LSPCltvExpiryDelta,
			}},
		}},
	})
}
