package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
)

// Client reads the messaging contract through an Ethereum node. Event
// subscriptions need a websocket or IPC endpoint.
type Client struct {
	eth      *ethclient.Client
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
}

type messageTuple struct {
	Sender      common.Address
	Timestamp   *big.Int
	ContentHash string
}

type friendTuple struct {
	Pubkey common.Address
	Name   string
}

type messageSentLog struct {
	Sender      common.Address
	Recipient   common.Address
	ContentHash string
	Timestamp   *big.Int
}

type friendAddedLog struct {
	User   common.Address
	Friend common.Address
	Name   string
}

type accountCreatedLog struct {
	User      common.Address
	Name      string
	PublicKey string
}

func Dial(ctx context.Context, rpcURL, contractAddress string) (*Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, apperr.InvalidArg("invalid contract address " + contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse contract abi")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, apperr.LedgerQueryFailed("dial", err)
	}
	address := common.HexToAddress(contractAddress)
	return &Client{
		eth:      eth,
		abi:      parsed,
		address:  address,
		contract: bind.NewBoundContract(address, parsed, eth, eth, eth),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) call(ctx context.Context, from, method string, params ...interface{}) ([]interface{}, error) {
	opts := &bind.CallOpts{Context: ctx}
	if from != "" {
		opts.From = common.HexToAddress(from)
	}
	var out []interface{}
	if err := c.contract.Call(opts, &out, method, params...); err != nil {
		return nil, apperr.LedgerQueryFailed(method, err)
	}
	if len(out) == 0 {
		return nil, apperr.LedgerQueryFailed(method, errors.New("empty result"))
	}
	return out, nil
}

func (c *Client) GetMessagesBetween(ctx context.Context, user, peer string) ([]Message, error) {
	out, err := c.call(ctx, user, "readMessage", common.HexToAddress(peer))
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]messageTuple)).(*[]messageTuple)

	messages := make([]Message, 0, len(tuples))
	for _, t := range tuples {
		messages = append(messages, Message{
			Sender:      hexAddress(t.Sender),
			ContentHash: t.ContentHash,
			Timestamp:   unixTime(t.Timestamp),
		})
	}
	return messages, nil
}

func (c *Client) GetFriends(ctx context.Context, user string) ([]Friend, error) {
	out, err := c.call(ctx, user, "getMyFriendList")
	if err != nil {
		return nil, err
	}
	tuples := *abi.ConvertType(out[0], new([]friendTuple)).(*[]friendTuple)

	friends := make([]Friend, 0, len(tuples))
	for _, t := range tuples {
		friends = append(friends, Friend{Address: hexAddress(t.Pubkey), Name: t.Name})
	}
	return friends, nil
}

func (c *Client) GetUsername(ctx context.Context, address string) (string, error) {
	return c.callString(ctx, "getUsername", address)
}

func (c *Client) GetPublicKey(ctx context.Context, address string) (string, error) {
	return c.callString(ctx, "getPublicKey", address)
}

func (c *Client) callString(ctx context.Context, method, address string) (string, error) {
	out, err := c.call(ctx, "", method, common.HexToAddress(address))
	if err != nil {
		return "", err
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (c *Client) IsRegistered(ctx context.Context, address string) (bool, error) {
	out, err := c.call(ctx, "", "checkUserExists", common.HexToAddress(address))
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.eth.BlockNumber(ctx); err != nil {
		return apperr.LedgerQueryFailed("block number", err)
	}
	return nil
}

// WatchEvents subscribes to every log emitted by the contract and decodes the
// ones the engine understands.
func (c *Client) WatchEvents(ctx context.Context) (<-chan Event, <-chan error, error) {
	logs := make(chan types.Log, 64)
	query := ethereum.FilterQuery{Addresses: []common.Address{c.address}}
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, nil, apperr.LedgerQueryFailed("subscribe", err)
	}

	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					errs <- apperr.LedgerQueryFailed("subscription", err)
				}
				return
			case lg := <-logs:
				if lg.Removed {
					continue
				}
				evt, ok, err := c.decode(lg)
				if err != nil {
					jww.WARN.Printf("Dropping undecodable log %s#%d: %v", lg.TxHash.Hex(), lg.Index, err)
					continue
				}
				if !ok {
					continue
				}
				select {
				case events <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, errs, nil
}

func (c *Client) decode(lg types.Log) (Event, bool, error) {
	if len(lg.Topics) == 0 {
		return Event{}, false, nil
	}
	ev, err := c.abi.EventByID(lg.Topics[0])
	if err != nil {
		// Not one of ours.
		return Event{}, false, nil
	}

	evt := Event{
		Type:        EventType(ev.Name),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}
	switch evt.Type {
	case EventMessageSent:
		var raw messageSentLog
		if err := c.contract.UnpackLog(&raw, ev.Name, lg); err != nil {
			return Event{}, false, err
		}
		evt.MessageSent = &MessageSent{
			Sender:      hexAddress(raw.Sender),
			Recipient:   hexAddress(raw.Recipient),
			ContentHash: raw.ContentHash,
			Timestamp:   unixTime(raw.Timestamp),
		}
	case EventFriendAdded:
		var raw friendAddedLog
		if err := c.contract.UnpackLog(&raw, ev.Name, lg); err != nil {
			return Event{}, false, err
		}
		evt.FriendAdded = &FriendAdded{User: hexAddress(raw.User), Friend: hexAddress(raw.Friend), Name: raw.Name}
	case EventAccountCreated:
		var raw accountCreatedLog
		if err := c.contract.UnpackLog(&raw, ev.Name, lg); err != nil {
			return Event{}, false, err
		}
		evt.AccountCreated = &AccountCreated{User: hexAddress(raw.User), Name: raw.Name, PublicKey: raw.PublicKey}
	default:
		return Event{}, false, nil
	}
	return evt, true, nil
}

func hexAddress(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func unixTime(ts *big.Int) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return time.Unix(ts.Int64(), 0).UTC()
}
