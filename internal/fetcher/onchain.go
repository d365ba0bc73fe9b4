package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-metrics/internal/market"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ErrStaleRound marks an on-chain answer older than the configured maximum age.
var ErrStaleRound = errors.New("stale price round")

// OnChainOptions parameterise the Chainlink feed fetcher.
type OnChainOptions struct {
	RPCURL  string
	Timeout time.Duration

	// MaxAge rejects rounds whose updatedAt lags the local clock by more
	// than this much. Zero disables the check.
	MaxAge time.Duration
}

// OnChain reads spot prices from Chainlink aggregator feeds via Ethereum RPC.
type OnChain struct {
	opts      OnChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux   sync.Mutex
	decimalsCache map[common.Address]int32

	now func() time.Time
}

// NewOnChain builds a new Chainlink feed fetcher.
func NewOnChain(opts OnChainOptions, logger zerolog.Logger) *OnChain {
	return &OnChain{
		opts:          opts,
		logger:        logger.With().Str("component", "onchain_fetcher").Logger(),
		decimalsCache: make(map[common.Address]int32),
		now:           time.Now,
	}
}

// FetchSpot reads latestRoundData from the asset's aggregator feed and
// scales the answer by the feed's decimals.
func (o *OnChain) FetchSpot(ctx context.Context, asset market.Asset) (market.SpotSample, error) {
	if o.opts.RPCURL == "" {
		return market.SpotSample{}, errors.New("ethereum rpc url not configured")
	}
	if asset.FeedAddress == "" {
		return market.SpotSample{}, fmt.Errorf("asset %s has no feed address configured", asset.ID)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return market.SpotSample{}, err
	}

	addr := common.HexToAddress(asset.FeedAddress)

	answer, updatedAt, err := o.latestRoundData(ctx, client, addr)
	if err != nil {
		return market.SpotSample{}, err
	}

	decimals, err := o.feedDecimals(ctx, client, addr)
	if err != nil {
		return market.SpotSample{}, err
	}

	price := decimal.NewFromBigInt(answer, -decimals)
	if !price.IsPositive() {
		return market.SpotSample{}, fmt.Errorf("%w: non-positive answer %s from feed %s", ErrMalformedResponse, price, asset.FeedAddress)
	}

	observedAt := time.Unix(updatedAt.Int64(), 0).UTC()
	if o.opts.MaxAge > 0 {
		if age := o.now().UTC().Sub(observedAt); age > o.opts.MaxAge {
			return market.SpotSample{}, fmt.Errorf("%w: feed %s answered %s ago", ErrStaleRound, asset.FeedAddress, age.Truncate(time.Second))
		}
	}

	return market.SpotSample{
		AssetID:    asset.ID,
		ObservedAt: observedAt,
		Price:      price,
		Provider:   "chainlink",
	}, nil
}

func (o *OnChain) latestRoundData(ctx context.Context, client *ethclient.Client, addr common.Address) (*big.Int, *big.Int, error) {
	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return nil, nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, nil, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return nil, nil, err
	}
	if len(outputs) != 5 {
		return nil, nil, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, nil, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return nil, nil, errors.New("failed to decode latestRoundData updatedAt")
	}
	return answer, updatedAt, nil
}

func (o *OnChain) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	o.decimalsMux.Lock()
	cached, ok := o.decimalsCache[addr]
	o.decimalsMux.Unlock()
	if ok {
		return cached, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}

	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	o.decimalsMux.Lock()
	o.decimalsCache[addr] = int32(decimals)
	o.decimalsMux.Unlock()
	return int32(decimals), nil
}

func (o *OnChain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var _ SpotFetcher = (*OnChain)(nil)
