package ledger

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

//go:embed file_integrity.abi.json
var defaultABI string

const (
	methodRegister = "registerFile"
	methodVerify   = "verifyFileIntegrity"
)

// EthereumConfig configures the Ethereum contract adapter.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	// PrivateKey is the hex-encoded signing key, with or without 0x prefix.
	PrivateKey string
	// ABIFile overrides the embedded contract ABI when set.
	ABIFile  string
	ChainID  int64
	GasLimit uint64
}

// EthereumLedger implements Contract against a deployed file integrity contract.
type EthereumLedger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	from     common.Address
	gasLimit uint64
	logger   zerolog.Logger

	// sendMu orders transaction submission so pending nonces are not reused.
	sendMu sync.Mutex

	submit    func(ctx context.Context, path, digest string) (*types.Transaction, error)
	waitMined func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

	// pending holds submitted registrations whose receipt has not been seen,
	// keyed by path and digest, so a retried call waits on the same transaction.
	pendingMu  sync.Mutex
	pending    map[string]pendingTx
	pendingTTL time.Duration
}

type pendingTx struct {
	tx          *types.Transaction
	submittedAt time.Time
}

// defaultPendingTTL bounds how long a submitted transaction is awaited
// before it is considered dropped and submitted again.
const defaultPendingTTL = 15 * time.Minute

var _ Contract = (*EthereumLedger)(nil)

// DialEthereum connects to the RPC endpoint and binds the contract.
func DialEthereum(ctx context.Context, cfg EthereumConfig, logger zerolog.Logger) (*EthereumLedger, error) {
	logger = logger.With().Str("component", "EthereumLedger").Logger()

	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", models.ErrInvalidInput, cfg.ContractAddress)
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	parsedABI, err := loadABI(cfg.ABIFile)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, models.NewLedgerUnreachable("dial", cfg.RPCURL, err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, models.NewLedgerUnreachable("chain id", cfg.RPCURL, err)
		}
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 300000
	}

	l := &EthereumLedger{
		client:   client,
		contract: bind.NewBoundContract(address, parsedABI, client, client, client),
		auth:     auth,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gasLimit,
		logger:   logger,
	}
	l.submit = l.transactRegister
	l.waitMined = func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, l.client, tx)
	}
	logger.Info().Str("contract", address.Hex()).Str("account", l.from.Hex()).Str("chain_id", chainID.String()).Msg("Connected to Ethereum ledger")
	return l, nil
}

func parsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, fmt.Errorf("%w: signing key is not configured", models.ErrInvalidInput)
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key: %v", models.ErrInvalidInput, err)
	}
	return key, nil
}

func loadABI(path string) (abi.ABI, error) {
	source := defaultABI
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return abi.ABI{}, fmt.Errorf("read contract ABI %s: %w", path, err)
		}
		source = string(data)
	}
	parsed, err := abi.JSON(strings.NewReader(source))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse contract ABI: %w", err)
	}
	for _, method := range []string{methodRegister, methodVerify} {
		if _, ok := parsed.Methods[method]; !ok {
			return abi.ABI{}, fmt.Errorf("%w: contract ABI has no %s method", models.ErrInvalidInput, method)
		}
	}
	return parsed, nil
}

// Close releases the RPC connection.
func (l *EthereumLedger) Close() {
	l.client.Close()
}

// RegisterFile submits registerFile and waits until the transaction is mined.
// A registration already submitted for the same path and digest is awaited
// instead of being sent again.
func (l *EthereumLedger) RegisterFile(ctx context.Context, path, digest string) (Receipt, error) {
	key := path + "\x00" + digest
	tx, reused := l.lookupPending(key)
	if !reused {
		var err error
		tx, err = l.submit(ctx, path, digest)
		if err != nil {
			return Receipt{}, classifyRPCError("register", path, err)
		}
		l.trackPending(key, tx)
		l.logger.Debug().Str("path", path).Str("tx", tx.Hash().Hex()).Msg("Registration submitted, waiting for receipt")
	} else {
		l.logger.Debug().Str("path", path).Str("tx", tx.Hash().Hex()).Msg("Awaiting previously submitted registration")
	}

	receipt, err := l.waitMined(ctx, tx)
	if err != nil {
		return Receipt{TxRef: tx.Hash().Hex()}, classifyRPCError("register", path, err)
	}
	l.clearPending(key)
	return Receipt{
		TxRef:   tx.Hash().Hex(),
		Success: receipt.Status == types.ReceiptStatusSuccessful,
	}, nil
}

func (l *EthereumLedger) transactRegister(ctx context.Context, path, digest string) (*types.Transaction, error) {
	opts := *l.auth
	opts.Context = ctx
	opts.GasLimit = l.gasLimit

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.contract.Transact(&opts, methodRegister, path, digest)
}

func (l *EthereumLedger) lookupPending(key string) (*types.Transaction, bool) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	p, ok := l.pending[key]
	if !ok {
		return nil, false
	}
	ttl := l.pendingTTL
	if ttl <= 0 {
		ttl = defaultPendingTTL
	}
	if time.Since(p.submittedAt) > ttl {
		delete(l.pending, key)
		return nil, false
	}
	return p.tx, true
}

func (l *EthereumLedger) trackPending(key string, tx *types.Transaction) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	if l.pending == nil {
		l.pending = make(map[string]pendingTx)
	}
	l.pending[key] = pendingTx{tx: tx, submittedAt: time.Now()}
}

func (l *EthereumLedger) clearPending(key string) {
	l.pendingMu.Lock()
	delete(l.pending, key)
	l.pendingMu.Unlock()
}

// VerifyFileIntegrity calls the read-only verifyFileIntegrity method.
func (l *EthereumLedger) VerifyFileIntegrity(ctx context.Context, path, digest string) (bool, error) {
	var out []interface{}
	err := l.contract.Call(&bind.CallOpts{Context: ctx, From: l.from}, &out, methodVerify, path, digest)
	if err != nil {
		return false, classifyRPCError("verify", path, err)
	}
	if len(out) != 1 {
		return false, models.NewLedgerRejected("verify", path, fmt.Errorf("unexpected %d return values", len(out)))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, models.NewLedgerRejected("verify", path, fmt.Errorf("unexpected return type %T", out[0]))
	}
	return ok, nil
}

// Connected probes the endpoint with a short block number query.
func (l *EthereumLedger) Connected(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := l.client.BlockNumber(probeCtx)
	return err == nil
}

// transientRPCMessages are node responses that clear up on their own.
var transientRPCMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"txpool is full",
	"header not found",
}

// classifyRPCError maps go-ethereum and transport errors onto the ledger error taxonomy.
func classifyRPCError(op, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewLedgerUnreachable(op, path, err)
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return models.NewLedgerUnreachable(op, path, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == 401 || httpErr.StatusCode == 403 {
			return models.NewLedgerRejected(op, path, err)
		}
		return models.NewLedgerUnreachable(op, path, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Error())
		for _, transient := range transientRPCMessages {
			if strings.Contains(msg, transient) {
				return models.NewLedgerUnreachable(op, path, err)
			}
		}
		return models.NewLedgerRejected(op, path, err)
	}
	return models.NewLedgerUnreachable(op, path, err)
}
