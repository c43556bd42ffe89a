package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/domain"
	"github.com/ethaccount/userop/src/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 11155111

var (
	testSender    = common.HexToAddress("0x1306b01bC3e4AD202612D3843387e94737673F53")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTxHash    = common.HexToHash("0x2a1f6b0c3a5a86d9f2e6f7b1b6f9c1d8e0b2a3c4d5e6f708192a3b4c5d6e7f80")
)

type fakeWatcher struct {
	result *erc4337.ConfirmationResult
	err    error
}

func (f *fakeWatcher) WaitForConfirmation(ctx context.Context, userOpHash common.Hash) (*erc4337.ConfirmationResult, error) {
	if f.result != nil {
		r := *f.result
		r.UserOpHash = userOpHash
		return &r, f.err
	}
	return nil, f.err
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []domain.UserOperationStatus
}

func (r *recordingPublisher) SetStatus(ctx context.Context, m *domain.UserOperationMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, m.Status)
	return nil
}

type pipeline struct {
	service   *UserOperationService
	store     *repository.MemoryStore
	queue     *repository.MemoryQueue
	bundler   *fakeBundler
	watcher   *fakeWatcher
	publisher *recordingPublisher
	account   *ECDSAAccount
	registry  *prometheus.Registry
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	nonce, err := simpleAccountABI.Methods["getNonce"].Outputs.Pack(big.NewInt(3))
	require.NoError(t, err)
	chain := &fakeChain{
		code:  map[common.Address][]byte{testSender: {0x60, 0x80}},
		calls: map[common.Address][]byte{erc4337.EntryPointV06: nonce},
	}

	p := &pipeline{
		store: repository.NewMemoryStore(),
		queue: repository.NewMemoryQueue(8),
		bundler: &fakeBundler{
			estimate: &erc4337.GasEstimates{
				CallGasLimit:         hexBig(0x5208),
				VerificationGasLimit: hexBig(0x186a0),
				PreVerificationGas:   hexBig(0xc350),
			},
			sendHash: common.HexToHash("0x01"),
		},
		watcher: &fakeWatcher{result: &erc4337.ConfirmationResult{
			TxHash:        testTxHash,
			BlockNumber:   100,
			Success:       true,
			ActualGasCost: big.NewInt(21000),
			ActualGasUsed: big.NewInt(7000),
		}},
		publisher: &recordingPublisher{},
		account:   newTestAccount(t, chain, common.Address{}),
		registry:  prometheus.NewRegistry(),
	}

	p.service = NewUserOperationService(UserOperationServiceParams{
		Config:      UserOperationServiceConfig{ChainID: testChainID, BundlerURL: "http://bundler"},
		Store:       p.store,
		Account:     p.account,
		FeeResolver: NewFeeResolver(&countingEstimator{estimate: feeMarketEstimate("2", "1")}, nil),
		Bundler:     p.bundler,
		Watcher:     p.watcher,
		Queue:       p.queue,
		Status:      p.publisher,
		Metrics:     NewMetrics(p.registry),
	})
	return p
}

func (p *pipeline) add(t *testing.T) *domain.UserOperationMetadata {
	t.Helper()
	m, err := p.service.AddUserOperation(context.Background(), AddUserOperationRequest{
		Request: domain.UserOperationRequest{
			Sender: testSender,
			To:     &testRecipient,
			Value:  hexBig(1),
			Data:   hexutil.MustDecode("0x1234"),
		},
		Origin: "https://dapp.example",
	})
	require.NoError(t, err)
	return m
}

func (p *pipeline) approved(t *testing.T) *domain.UserOperationMetadata {
	t.Helper()
	m := p.add(t)
	m, err := p.service.ApproveUserOperation(context.Background(), m.ID)
	require.NoError(t, err)
	return m
}

func requireDomainStatus(t *testing.T, err error, status int) {
	t.Helper()
	var de domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, status, de.HTTPStatus())
}

func TestUserOperationService_AddUserOperation(t *testing.T) {
	p := newPipeline(t)
	m := p.add(t)

	assert.Equal(t, domain.UserOperationStatusUnapproved, m.Status)
	assert.Equal(t, int64(testChainID), m.ChainID)
	assert.Equal(t, erc4337.EntryPointV06, m.EntryPoint)

	stored, err := p.service.GetUserOperation(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(p.service.metrics.added))
}

func TestUserOperationService_AddRejectsInvalidFees(t *testing.T) {
	p := newPipeline(t)

	_, err := p.service.AddUserOperation(context.Background(), AddUserOperationRequest{
		Request: domain.UserOperationRequest{Sender: testSender, MaxFeePerGas: "not-a-number"},
		Origin:  "https://dapp.example",
	})
	requireDomainStatus(t, err, 400)
	var de domain.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, map[string]interface{}{
		"AddUserOperationRequest.Request.MaxFeePerGas": "quantity",
	}, de.Detail())

	_, err = p.service.AddUserOperation(context.Background(), AddUserOperationRequest{
		Request: domain.UserOperationRequest{Sender: testSender},
	})
	requireDomainStatus(t, err, 400)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "required", de.Detail()["AddUserOperationRequest.Origin"])
}

func TestUserOperationService_ApproveEnqueues(t *testing.T) {
	p := newPipeline(t)
	m := p.approved(t)
	assert.Equal(t, domain.UserOperationStatusApproved, m.Status)

	id, err := p.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)

	_, err = p.service.ApproveUserOperation(context.Background(), m.ID)
	requireDomainStatus(t, err, 409)
}

func TestUserOperationService_AutoApprove(t *testing.T) {
	p := newPipeline(t)

	m, err := p.service.AddUserOperation(context.Background(), AddUserOperationRequest{
		Request:     domain.UserOperationRequest{Sender: testSender},
		Origin:      domain.WalletOrigin,
		AutoApprove: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusApproved, m.Status)

	id, err := p.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, m.ID, id)
}

func TestUserOperationService_Reject(t *testing.T) {
	p := newPipeline(t)
	m := p.add(t)

	m, err := p.service.RejectUserOperation(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusFailed, m.Status)
	require.NotNil(t, m.Error)
	assert.Equal(t, ErrorCodeRejected, m.Error.Code)
	assert.Equal(t, "user rejected the request", m.Error.Message)

	approved := p.approved(t)
	_, err = p.service.RejectUserOperation(context.Background(), approved.ID)
	requireDomainStatus(t, err, 409)
}

func TestUserOperationService_NotFound(t *testing.T) {
	p := newPipeline(t)

	_, err := p.service.GetUserOperation(context.Background(), uuid.New())
	requireDomainStatus(t, err, 404)
	assert.ErrorIs(t, err, domain.ErrUserOperationNotFound)

	_, err = p.service.ProcessUserOperation(context.Background(), uuid.New())
	requireDomainStatus(t, err, 404)
}

func TestUserOperationService_ListValidatesStatus(t *testing.T) {
	p := newPipeline(t)
	p.add(t)
	p.approved(t)

	ops, err := p.service.ListUserOperations(context.Background(), domain.UserOperationFilter{Status: domain.UserOperationStatusApproved})
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	_, err = p.service.ListUserOperations(context.Background(), domain.UserOperationFilter{Status: "pending"})
	requireDomainStatus(t, err, 400)
}

func TestUserOperationService_ProcessConfirmed(t *testing.T) {
	p := newPipeline(t)
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.UserOperationStatusConfirmed, m.Status)
	assert.Equal(t, domain.FeeLevelMedium, m.UserFeeLevel)
	require.NotNil(t, m.TransactionHash)
	assert.Equal(t, testTxHash, *m.TransactionHash)
	assert.Equal(t, "0x5208", m.ActualGasCost.String())
	assert.Equal(t, "0x1b58", m.ActualGasUsed.String())
	assert.NotNil(t, m.SubmittedAt)
	assert.NotNil(t, m.ConfirmedAt)

	op := m.UserOperation
	assert.Equal(t, testSender, op.Sender)
	assert.Equal(t, "0x3", op.Nonce.String())
	assert.Equal(t, "0x77359400", op.MaxFeePerGas.String())
	assert.Equal(t, "0x3b9aca00", op.MaxPriorityFeePerGas.String())
	assert.Equal(t, "0x7b0c", op.CallGasLimit.String())
	assert.Equal(t, "0x249f0", op.VerificationGasLimit.String())
	assert.Equal(t, "0x124f8", op.PreVerificationGas.String())

	// The submitted operation is the stored one, signed over its own hash.
	require.Equal(t, 1, p.bundler.sentCount())
	sent := p.bundler.sent[0]
	assert.Equal(t, op.Signature, sent.Signature)

	hash, err := sent.Hash(erc4337.EntryPointV06, big.NewInt(testChainID))
	require.NoError(t, err)
	require.NotNil(t, m.UserOperationHash)
	assert.Equal(t, hash, *m.UserOperationHash)

	sig := common.CopyBytes(sent.Signature)
	sig[crypto.RecoveryIDOffset] -= 27
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	require.NoError(t, err)
	assert.Equal(t, p.account.Owner(), crypto.PubkeyToAddress(*pub))

	stored, err := p.store.FindByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusConfirmed, stored.Status)

	assert.Equal(t, []domain.UserOperationStatus{
		domain.UserOperationStatusUnapproved,
		domain.UserOperationStatusApproved,
		domain.UserOperationStatusApproved,
		domain.UserOperationStatusSigned,
		domain.UserOperationStatusSubmitted,
		domain.UserOperationStatusConfirmed,
	}, p.publisher.statuses)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(p.service.metrics.finalized.WithLabelValues("confirmed")))
}

func TestUserOperationService_ProcessReverted(t *testing.T) {
	p := newPipeline(t)
	p.watcher.result.Success = false
	p.watcher.result.RevertReason = "insufficient balance"
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.UserOperationStatusFailed, m.Status)
	require.NotNil(t, m.Error)
	assert.Equal(t, ErrorCodeExecution, m.Error.Code)
	assert.Contains(t, m.Error.Message, "insufficient balance")
	require.NotNil(t, m.TransactionHash)
	assert.Equal(t, testTxHash, *m.TransactionHash)
}

func TestUserOperationService_ProcessConfirmationTimeout(t *testing.T) {
	p := newPipeline(t)
	p.watcher.result = nil
	p.watcher.err = erc4337.ErrConfirmationTimeout
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusSubmitted, m.Status)
	assert.Nil(t, m.Error)
}

func TestUserOperationService_ProcessBundlerRejects(t *testing.T) {
	p := newPipeline(t)
	p.bundler.sendErr = &erc4337.FailedOpError{OpIndex: big.NewInt(0), Reason: "AA21 didn't pay prefund"}
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.Error(t, err)

	var failedOp *erc4337.FailedOpError
	assert.ErrorAs(t, err, &failedOp)
	assert.Equal(t, domain.UserOperationStatusFailed, m.Status)
	assert.Equal(t, ErrorCodeBundlerRejected, m.Error.Code)

	stored, err := p.store.FindByID(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusFailed, stored.Status)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(p.service.metrics.stageErrors.WithLabelValues(ErrorCodeBundlerRejected)))
}

func TestUserOperationService_ProcessGasEstimationFails(t *testing.T) {
	p := newPipeline(t)
	p.bundler.estimateErr = errors.New("estimation reverted")
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.Error(t, err)
	assert.Equal(t, domain.UserOperationStatusFailed, m.Status)
	assert.Equal(t, ErrorCodeGas, m.Error.Code)
	assert.Equal(t, 0, p.bundler.sentCount())
}

func TestUserOperationService_ProcessRequiresApproval(t *testing.T) {
	p := newPipeline(t)
	m := p.add(t)

	_, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	requireDomainStatus(t, err, 409)
	assert.Equal(t, 0, p.bundler.estimateCount())
}

// emptyPrepareAccount returns neither a response nor an error from prepare.
type emptyPrepareAccount struct {
	SmartContractAccount
}

func (emptyPrepareAccount) PrepareUserOperation(ctx context.Context, req *PrepareUserOperationRequest) (*PrepareUserOperationResponse, error) {
	return nil, nil
}

func TestUserOperationService_ProcessEmptyPrepareResponse(t *testing.T) {
	p := newPipeline(t)
	p.service.account = emptyPrepareAccount{SmartContractAccount: p.service.account}
	m := p.approved(t)

	m, err := p.service.ProcessUserOperation(context.Background(), m.ID)
	require.ErrorIs(t, err, ErrEmptyPrepareResponse)
	assert.Equal(t, domain.UserOperationStatusFailed, m.Status)
	assert.Equal(t, ErrorCodePrepare, m.Error.Code)
	assert.Equal(t, 0, p.bundler.estimateCount())
}

type mirroringPublisher struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*repository.UserOperationStatusEntry
	err     error
}

func (p *mirroringPublisher) SetStatus(ctx context.Context, m *domain.UserOperationMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[m.ID] = repository.NewUserOperationStatusEntry(m)
	return nil
}

func (p *mirroringPublisher) GetStatus(ctx context.Context, id uuid.UUID) (*repository.UserOperationStatusEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	entry, ok := p.entries[id]
	if !ok {
		return nil, domain.ErrUserOperationNotFound
	}
	return entry, nil
}

func TestUserOperationService_GetUserOperationStatus(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	mirror := &mirroringPublisher{entries: map[uuid.UUID]*repository.UserOperationStatusEntry{}}
	svc := NewUserOperationService(UserOperationServiceParams{
		Config:  UserOperationServiceConfig{ChainID: testChainID, BundlerURL: "http://bundler"},
		Store:   store,
		Status:  mirror,
		Metrics: NewMetrics(prometheus.NewRegistry()),
	})

	m, err := svc.AddUserOperation(ctx, AddUserOperationRequest{
		Request: domain.UserOperationRequest{Sender: testSender},
		Origin:  "https://dapp.example",
	})
	require.NoError(t, err)

	// A mirrored entry wins over the store.
	mirror.entries[m.ID].Status = domain.UserOperationStatusSubmitted
	entry, err := svc.GetUserOperationStatus(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusSubmitted, entry.Status)

	delete(mirror.entries, m.ID)
	entry, err = svc.GetUserOperationStatus(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.UserOperationStatusUnapproved, entry.Status)

	mirror.err = errors.New("connection refused")
	entry, err = svc.GetUserOperationStatus(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, entry.ID)

	_, err = svc.GetUserOperationStatus(ctx, uuid.New())
	requireDomainStatus(t, err, 404)
}
