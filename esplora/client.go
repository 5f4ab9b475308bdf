package esplora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout is the default timeout for HTTP requests to
	// the Esplora API.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of times to retry a failed
	// request before giving up.
	DefaultMaxRetries = 3

	// DefaultPollInterval is the default interval for polling the Esplora
	// API for new blocks.
	DefaultPollInterval = 30 * time.Second

	// DefaultRequestsPerSecond is the default rate limit of requests to
	// the Esplora API. Public instances throttle aggressive clients.
	DefaultRequestsPerSecond = 4
)

var (
	// ErrClientShutdown is returned when the client has been shut down.
	ErrClientShutdown = errors.New("esplora client has been shut down")

	// ErrNoFeeEstimate is returned when the API has no fee estimate for
	// the requested confirmation target or any lower one.
	ErrNoFeeEstimate = errors.New("no fee estimate available")
)

// ClientConfig holds the configuration for the Esplora client.
type ClientConfig struct {
	// URL is the base URL of the Esplora API, for example
	// https://mutinynet.com/api.
	URL string

	// RequestTimeout is the timeout for individual HTTP requests.
	RequestTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed requests.
	MaxRetries int

	// PollInterval is the interval for polling new blocks.
	PollInterval time.Duration

	// RequestsPerSecond limits the request rate, retries included. Zero
	// means no limit.
	RequestsPerSecond float64

	// PollTicker drives the block poller. A ticker firing every
	// PollInterval is used when nil.
	PollTicker ticker.Ticker
}

// DefaultClientConfig returns a config for the given URL with the default
// timeouts filled in.
func DefaultClientConfig(url string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		RequestTimeout:    DefaultRequestTimeout,
		MaxRetries:        DefaultMaxRetries,
		PollInterval:      DefaultPollInterval,
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
}

// FeeEstimates represents fee estimates from the API.
// Keys are confirmation targets (as strings), values are fee rates in sat/vB.
type FeeEstimates map[string]float64

// Client is an HTTP client for the Esplora REST API. It tracks the chain tip
// in the background once started.
type Client struct {
	cfg *ClientConfig

	httpClient *http.Client

	limiter *rate.Limiter

	pollTicker ticker.Ticker

	// started indicates whether the client has been started.
	started atomic.Bool

	// bestBlockMtx protects bestBlock fields.
	bestBlockMtx    sync.RWMutex
	bestBlockHash   chainhash.Hash
	bestBlockHeight int64

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewClient creates a new Esplora client with the given configuration.
func NewClient(cfg *ClientConfig) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	pollTicker := cfg.PollTicker
	if pollTicker == nil {
		pollTicker = ticker.New(cfg.PollInterval)
	}

	return &Client{
		cfg: &ClientConfig{
			URL:               strings.TrimSuffix(cfg.URL, "/"),
			RequestTimeout:    cfg.RequestTimeout,
			MaxRetries:        cfg.MaxRetries,
			PollInterval:      cfg.PollInterval,
			RequestsPerSecond: cfg.RequestsPerSecond,
		},
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter:    rate.NewLimiter(limit, 1),
		pollTicker: pollTicker,
		quit:       make(chan struct{}),
	}
}

// Start verifies the API is reachable, records the current tip and begins
// polling for new blocks.
func (c *Client) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return nil
	}

	log.Infof("Starting Esplora client, url=%s", c.cfg.URL)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	height, err := c.GetTipHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Esplora API: %w", err)
	}

	hash, err := c.GetTipHash(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip hash: %w", err)
	}

	c.setBestBlock(*hash, height)

	log.Infof("Connected to Esplora API: tip height=%d, hash=%v", height,
		hash)

	c.wg.Add(1)
	go c.blockPoller()

	return nil
}

// Stop shuts down the client and waits for the poller to exit.
func (c *Client) Stop() {
	if !c.started.Load() {
		return
	}

	select {
	case <-c.quit:
		return
	default:
	}

	log.Info("Stopping Esplora client")

	close(c.quit)
	c.wg.Wait()
}

// BestBlock returns the last chain tip seen by the client.
func (c *Client) BestBlock() (chainhash.Hash, int64) {
	c.bestBlockMtx.RLock()
	defer c.bestBlockMtx.RUnlock()

	return c.bestBlockHash, c.bestBlockHeight
}

func (c *Client) setBestBlock(hash chainhash.Hash, height int64) {
	c.bestBlockMtx.Lock()
	c.bestBlockHash = hash
	c.bestBlockHeight = height
	c.bestBlockMtx.Unlock()
}

// blockPoller polls for new blocks at regular intervals.
func (c *Client) blockPoller() {
	defer c.wg.Done()

	c.pollTicker.Resume()
	defer c.pollTicker.Stop()

	for {
		select {
		case <-c.quit:
			return

		case <-c.pollTicker.Ticks():
			c.checkForNewBlocks()
		}
	}
}

// checkForNewBlocks fetches the tip and records it if it changed.
func (c *Client) checkForNewBlocks() {
	ctx, cancel := context.WithTimeout(
		context.Background(), c.cfg.RequestTimeout,
	)
	defer cancel()

	newHeight, err := c.GetTipHeight(ctx)
	if err != nil {
		log.Debugf("Failed to get tip height: %v", err)
		return
	}

	newHash, err := c.GetTipHash(ctx)
	if err != nil {
		log.Debugf("Failed to get tip hash: %v", err)
		return
	}

	currentHash, currentHeight := c.BestBlock()
	switch {
	case newHeight > currentHeight:
		log.Debugf("New block: height=%d hash=%v", newHeight, newHash)

	case *newHash != currentHash:
		log.Warnf("Possible reorg detected at height %d: old=%v new=%v",
			newHeight, currentHash, newHash)

	default:
		return
	}

	c.setBestBlock(*newHash, newHeight)
}

// doGet performs a GET request with retries and returns the response body.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	url := c.cfg.URL + path

	var lastErr error
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrClientShutdown
		default:
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.get(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if i < c.cfg.MaxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w",
		c.cfg.MaxRetries+1, lastErr)
}

// get performs a single GET request.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d: %s",
			resp.StatusCode, string(body))
	}

	return body, nil
}

// GetTipHeight returns the current blockchain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := c.doGet(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse height: %w", err)
	}

	return height, nil
}

// GetTipHash returns the current blockchain tip hash.
func (c *Client) GetTipHash(ctx context.Context) (*chainhash.Hash, error) {
	body, err := c.doGet(ctx, "/blocks/tip/hash")
	if err != nil {
		return nil, err
	}

	hash, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse tip hash: %w", err)
	}

	return hash, nil
}

// GetFeeEstimates fetches fee estimates for various confirmation targets.
func (c *Client) GetFeeEstimates(ctx context.Context) (FeeEstimates, error) {
	body, err := c.doGet(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}

	var estimates FeeEstimates
	if err := json.Unmarshal(body, &estimates); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return estimates, nil
}

// FeeRate returns the fee rate in sat/vB for the given confirmation target,
// rounded up. If the API has no estimate for the exact target, the estimate
// of the closest lower target is used.
func (c *Client) FeeRate(ctx context.Context, target uint32) (uint64, error) {
	estimates, err := c.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}

	return estimates.FeeRate(target)
}

// FeeRate picks the estimate for the given confirmation target, falling back
// to the closest lower target, and rounds it up to a whole sat/vB. The result
// is never below 1 sat/vB.
func (f FeeEstimates) FeeRate(target uint32) (uint64, error) {
	targets := make([]int, 0, len(f))
	for key := range f {
		t, err := strconv.Atoi(key)
		if err != nil || t <= 0 {
			continue
		}
		targets = append(targets, t)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(targets)))

	for _, t := range targets {
		if t > int(target) {
			continue
		}

		rate := uint64(math.Ceil(f[strconv.Itoa(t)]))
		if rate < 1 {
			rate = 1
		}

		return rate, nil
	}

	return 0, fmt.Errorf("%w: target=%d", ErrNoFeeEstimate, target)
}
