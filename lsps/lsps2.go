package lsps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
)

const (
	methodGetInfo = "lsps2.get_info"
	methodBuy     = "lsps2.buy"

	// proportionalDivisor is the unit of the proportional fee, parts per
	// million.
	proportionalDivisor = 1_000_000
)

var (
	// ErrNoSuitableFeeParams is returned when no entry of the opening fee
	// menu is valid for the requested payment.
	ErrNoSuitableFeeParams = errors.New("no suitable opening fee params")

	// ErrFeeOverflow is returned when the opening fee does not fit into
	// 64 bits.
	ErrFeeOverflow = errors.New("opening fee overflows")
)

// Msat is a millisatoshi amount encoded as a decimal JSON string.
type Msat lnwire.MilliSatoshi

// MarshalJSON encodes the amount as a string.
func (m Msat) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(m), 10))), nil
}

// UnmarshalJSON decodes an amount from a decimal string.
func (m *Msat) UnmarshalJSON(b []byte) error {
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("msat amount must be a string: %w", err)
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid msat amount %q: %w", s, err)
	}
	*m = Msat(v)

	return nil
}

// OpeningFeeParams is one entry of the LSP's opening fee menu. The promise
// covers every field, so the entry must be sent back unchanged when buying.
type OpeningFeeParams struct {
	MinFeeMsat           Msat   `json:"min_fee_msat"`
	Proportional         uint32 `json:"proportional"`
	ValidUntil           string `json:"valid_until"`
	MinLifetime          uint32 `json:"min_lifetime"`
	MaxClientToSelfDelay uint32 `json:"max_client_to_self_delay"`
	MinPaymentSizeMsat   Msat   `json:"min_payment_size_msat"`
	MaxPaymentSizeMsat   Msat   `json:"max_payment_size_msat"`
	Promise              string `json:"promise"`
}

// Expiry parses the valid_until timestamp.
func (p *OpeningFeeParams) Expiry() (time.Time, error) {
	return time.Parse(time.RFC3339, p.ValidUntil)
}

// GetInfoResponse is the result of lsps2.get_info.
type GetInfoResponse struct {
	OpeningFeeParamsMenu []OpeningFeeParams `json:"opening_fee_params_menu"`
}

// BuyResponse is the result of lsps2.buy.
type BuyResponse struct {
	JitChannelSCID     string `json:"jit_channel_scid"`
	LSPCltvExpiryDelta uint32 `json:"lsp_cltv_expiry_delta"`
	ClientTrustsLSP    bool   `json:"client_trusts_lsp"`
}

// SCID parses the JIT channel short channel id.
func (b *BuyResponse) SCID() (lnwire.ShortChannelID, error) {
	return ParseSCID(b.JitChannelSCID)
}

type getInfoRequest struct {
	Token string `json:"token,omitempty"`
}

type buyRequest struct {
	OpeningFeeParams OpeningFeeParams `json:"opening_fee_params"`
	PaymentSizeMsat  Msat             `json:"payment_size_msat"`
}

// GetInfo asks the LSP for its opening fee menu.
func (c *Client) GetInfo(ctx context.Context, lsp route.Vertex,
	token string) ([]OpeningFeeParams, error) {

	var resp GetInfoResponse
	err := c.Call(ctx, lsp, methodGetInfo, &getInfoRequest{
		Token: token,
	}, &resp)
	if err != nil {
		return nil, err
	}

	log.Debugf("LSP %v offered %d opening fee params", lsp,
		len(resp.OpeningFeeParamsMenu))

	return resp.OpeningFeeParamsMenu, nil
}

// Buy requests a JIT channel for a payment of the given size using the chosen
// fee params.
func (c *Client) Buy(ctx context.Context, lsp route.Vertex,
	params OpeningFeeParams,
	paymentSize lnwire.MilliSatoshi) (*BuyResponse, error) {

	var resp BuyResponse
	err := c.Call(ctx, lsp, methodBuy, &buyRequest{
		OpeningFeeParams: params,
		PaymentSizeMsat:  Msat(paymentSize),
	}, &resp)
	if err != nil {
		return nil, err
	}

	if _, err := resp.SCID(); err != nil {
		return nil, err
	}

	return &resp, nil
}

// OpeningFee computes the fee the LSP skims from a payment of the given size:
// the proportional fee rounded up, but at least the minimum fee.
func OpeningFee(params *OpeningFeeParams,
	paymentSize lnwire.MilliSatoshi) (lnwire.MilliSatoshi, error) {

	hi, lo := bits.Mul64(uint64(paymentSize), uint64(params.Proportional))
	if hi != 0 {
		return 0, ErrFeeOverflow
	}

	sum, carry := bits.Add64(lo, proportionalDivisor-1, 0)
	if carry != 0 {
		return 0, ErrFeeOverflow
	}

	fee := sum / proportionalDivisor
	if minFee := uint64(params.MinFeeMsat); fee < minFee {
		fee = minFee
	}

	return lnwire.MilliSatoshi(fee), nil
}

// SelectFeeParams picks the cheapest menu entry that has not expired at now,
// accepts the payment size and charges at most maxFee.
func SelectFeeParams(menu []OpeningFeeParams, paymentSize,
	maxFee lnwire.MilliSatoshi, now time.Time) (*OpeningFeeParams,
	lnwire.MilliSatoshi, error) {

	var (
		best    *OpeningFeeParams
		bestFee lnwire.MilliSatoshi = math.MaxUint64
	)
	for i := range menu {
		params := &menu[i]

		expiry, err := params.Expiry()
		if err != nil {
			log.Debugf("Skipping fee params with bad expiry %q: %v",
				params.ValidUntil, err)
			continue
		}
		if !expiry.After(now) {
			continue
		}

		if paymentSize < lnwire.MilliSatoshi(params.MinPaymentSizeMsat) ||
			paymentSize > lnwire.MilliSatoshi(params.MaxPaymentSizeMsat) {

			continue
		}

		fee, err := OpeningFee(params, paymentSize)
		if err != nil || fee > maxFee || fee >= paymentSize {
			continue
		}

		if best == nil || fee < bestFee {
			best, bestFee = params, fee
		}
	}

	if best == nil {
		return nil, 0, ErrNoSuitableFeeParams
	}

	return best, bestFee, nil
}

// ParseSCID parses a short channel id in the BLOCKxTXxOUT notation.
func ParseSCID(s string) (lnwire.ShortChannelID, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 3 {
		return lnwire.ShortChannelID{}, fmt.Errorf("invalid short "+
			"channel id %q", s)
	}

	block, err := strconv.ParseUint(parts[0], 10, 24)
	if err != nil {
		return lnwire.ShortChannelID{}, fmt.Errorf("invalid block "+
			"height in %q: %w", s, err)
	}

	txIndex, err := strconv.ParseUint(parts[1], 10, 24)
	if err != nil {
		return lnwire.ShortChannelID{}, fmt.Errorf("invalid tx index "+
			"in %q: %w", s, err)
	}

	txPos, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return lnwire.ShortChannelID{}, fmt.Errorf("invalid output "+
			"index in %q: %w", s, err)
	}

	return lnwire.ShortChannelID{
		BlockHeight: uint32(block),
		TxIndex:     uint32(txIndex),
		TxPosition:  uint16(txPos),
	}, nil
}
