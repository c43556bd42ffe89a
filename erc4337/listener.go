package erc4337

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

const (
	DefaultConfirmationTimeout = 10 * time.Second
	DefaultPollInterval        = time.Second
)

// LogSource is the part of an ethclient used to watch EntryPoint logs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// ConfirmationResult describes the UserOperationEvent observed for an operation.
type ConfirmationResult struct {
	UserOpHash    common.Hash
	TxHash        common.Hash
	BlockNumber   uint64
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	RevertReason  string
}

// Err returns an *ExecutionFailedError when the operation was included but
// its execution reverted.
func (r *ConfirmationResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	return &ExecutionFailedError{UserOpHash: r.UserOpHash, TxHash: r.TxHash, Reason: r.RevertReason}
}

type UserOperationEventListener struct {
	client       LogSource
	entryPoint   common.Address
	timeout      time.Duration
	pollInterval time.Duration
}

type ListenerOption func(*UserOperationEventListener)

func WithConfirmationTimeout(d time.Duration) ListenerOption {
	return func(l *UserOperationEventListener) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithPollInterval sets the polling period used when the node does not
// support log subscriptions.
func WithPollInterval(d time.Duration) ListenerOption {
	return func(l *UserOperationEventListener) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

func NewUserOperationEventListener(client LogSource, entryPoint common.Address, opts ...ListenerOption) *UserOperationEventListener {
	l := &UserOperationEventListener{
		client:       client,
		entryPoint:   entryPoint,
		timeout:      DefaultConfirmationTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// confirmationWatch holds the outcome of one wait. Only the first call to
// settle takes effect.
type confirmationWatch struct {
	hash   common.Hash
	once   sync.Once
	done   chan struct{}
	result *ConfirmationResult
	err    error

	mu      sync.Mutex
	sub     ethereum.Subscription
	stopped bool
}

func newConfirmationWatch(hash common.Hash) *confirmationWatch {
	return &confirmationWatch{hash: hash, done: make(chan struct{})}
}

func (w *confirmationWatch) settle(result *ConfirmationResult, err error) bool {
	settled := false
	w.once.Do(func() {
		w.result = result
		w.err = err
		close(w.done)
		settled = true
	})
	return settled
}

// attach records the live subscription. A subscription opened after the wait
// has ended is closed at once and attach returns false.
func (w *confirmationWatch) attach(sub ethereum.Subscription) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		sub.Unsubscribe()
		return false
	}
	w.sub = sub
	w.mu.Unlock()
	return true
}

// stop closes the attached subscription, if any.
func (w *confirmationWatch) stop() {
	w.mu.Lock()
	w.stopped = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (w *confirmationWatch) settled() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (l *UserOperationEventListener) eventQuery(userOpHash common.Hash, fromBlock uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{l.entryPoint},
		Topics:    [][]common.Hash{{UserOperationEventTopic}, {userOpHash}},
	}
}

// WaitForConfirmation blocks until the UserOperationEvent for userOpHash is
// observed, the confirmation timeout elapses, or ctx is done. The timeout
// covers every node call, including the initial history query.
//
// Logs already emitted since the latest block are checked first; if none
// match, a live subscription is opened together with a catch-up query.
// A reverted operation is returned as a result with Success false and the
// decoded revert reason; it is not an error.
func (l *UserOperationEventListener) WaitForConfirmation(ctx context.Context, userOpHash common.Hash) (*ConfirmationResult, error) {
	log := zerolog.Ctx(ctx).With().Str("user_op_hash", userOpHash.Hex()).Logger()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := newConfirmationWatch(userOpHash)
	defer w.stop()

	go l.watch(watchCtx, w)

	select {
	case <-w.done:
	case <-timer.C:
		w.settle(nil, ErrConfirmationTimeout)
	case <-ctx.Done():
		w.settle(nil, ctx.Err())
	}

	<-w.done
	if w.err != nil {
		log.Debug().Err(w.err).Msg("user operation confirmation wait ended")
	}
	return w.result, w.err
}

// watch runs the history query and then the live subscription, or polling
// when the node cannot subscribe. Failures settle w.
func (l *UserOperationEventListener) watch(ctx context.Context, w *confirmationWatch) {
	log := zerolog.Ctx(ctx).With().Str("user_op_hash", w.hash.Hex()).Logger()

	latest, err := l.client.BlockNumber(ctx)
	if err != nil {
		w.settle(nil, fmt.Errorf("failed to get latest block number: %w", err))
		return
	}
	query := l.eventQuery(w.hash, latest)

	if err := l.queryHistory(ctx, w, query); err != nil {
		w.settle(nil, err)
		return
	}
	if w.settled() {
		return
	}

	// Buffered so that a delivery racing the end of the wait never blocks
	// the subscription.
	logs := make(chan types.Log, 1)
	sub, err := l.client.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		log.Warn().Err(err).Msg("log subscription unavailable, polling for user operation event")
		l.poll(ctx, w, query)
		return
	}
	if !w.attach(sub) {
		return
	}

	go func() {
		if err := l.queryHistory(ctx, w, query); err != nil {
			log.Warn().Err(err).Msg("catch-up log query failed")
		}
	}()
	l.listen(ctx, w, sub, logs)
}

func (l *UserOperationEventListener) queryHistory(ctx context.Context, w *confirmationWatch, query ethereum.FilterQuery) error {
	logs, err := l.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query user operation events: %w", err)
	}
	for _, lg := range logs {
		l.handleLog(ctx, w, lg)
		if w.settled() {
			return nil
		}
	}
	return nil
}

func (l *UserOperationEventListener) listen(ctx context.Context, w *confirmationWatch, sub ethereum.Subscription, logs <-chan types.Log) {
	for {
		select {
		case lg := <-logs:
			l.handleLog(ctx, w, lg)
		case err := <-sub.Err():
			if err != nil {
				w.settle(nil, fmt.Errorf("%w: %v", ErrListenerClosed, err))
			}
			return
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *UserOperationEventListener) poll(ctx context.Context, w *confirmationWatch, query ethereum.FilterQuery) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.queryHistory(ctx, w, query); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("user operation event poll failed")
			}
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleLog settles w with the event carried by lg. Logs for other hashes and
// logs arriving after the watch is settled are ignored.
func (l *UserOperationEventListener) handleLog(ctx context.Context, w *confirmationWatch, lg types.Log) {
	if w.settled() {
		return
	}

	ev, err := ParseUserOperationEvent(lg)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("failed to parse user operation event")
		return
	}
	if ev.UserOpHash != w.hash {
		zerolog.Ctx(ctx).Warn().
			Str("user_op_hash", w.hash.Hex()).
			Str("event_user_op_hash", ev.UserOpHash.Hex()).
			Msg("ignoring user operation event for a different hash")
		return
	}

	result := &ConfirmationResult{
		UserOpHash:    ev.UserOpHash,
		TxHash:        lg.TxHash,
		BlockNumber:   lg.BlockNumber,
		Success:       ev.Success,
		ActualGasCost: ev.ActualGasCost,
		ActualGasUsed: ev.ActualGasUsed,
	}
	if !ev.Success {
		result.RevertReason = l.revertReason(ctx, w.hash, lg.BlockNumber)
	}
	w.settle(result, nil)
}

// revertReason looks up the UserOperationRevertReason emitted in the same
// block and decodes it as Error(string). It returns "" when there is none.
func (l *UserOperationEventListener) revertReason(ctx context.Context, userOpHash common.Hash, blockNumber uint64) string {
	block := new(big.Int).SetUint64(blockNumber)
	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{l.entryPoint},
		Topics:    [][]common.Hash{{UserOperationRevertReasonTopic}, {userOpHash}},
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("user_op_hash", userOpHash.Hex()).Msg("failed to query revert reason")
		return ""
	}

	for _, lg := range logs {
		ev, err := ParseUserOperationRevertReason(lg)
		if err != nil || ev.UserOpHash != userOpHash {
			continue
		}
		if reason, ok := DecodeRevertReason(ev.RevertReason); ok {
			return reason
		}
	}
	return ""
}
