package app

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

type AppConfig struct {
	// =========================== REQUIRED ===========================

	// Private key of the account owner (required)
	PrivateKey *string
	// Node JSON-RPC endpoint (required)
	RPCURL *string
	// Bundler JSON-RPC endpoint (required)
	BundlerURL *string

	// =========================== OPTIONAL ===========================

	// Database configuration; metadata stays in memory when empty
	DSN *string
	// Redis configuration; the approval queue stays in memory when empty
	RedisAddr *string

	// API secret guarding approve and reject; open when empty
	APISecret *string

	// Logging configuration
	LogLevel  *string
	LogFormat *string

	// HTTP server configuration
	Port *string

	// CORS configuration
	AllowOrigins *[]string

	// Migration configuration
	MigrationPath *string

	// Chain configuration; ChainID 0 means "ask the node"
	ChainID    *int64
	EntryPoint *common.Address
	SendMethod *string

	// Account configuration
	AccountFactory   *common.Address
	AccountSalt      *int64
	PaymasterAndData *hexutil.Bytes

	// Pipeline configuration
	GasFeeAPIURL          *string
	GasEstimateMultiplier *decimal.Decimal
	ConfirmationTimeout   *time.Duration
	ReconcileInterval     *time.Duration
	MaxPendingAge         *time.Duration
	QueueName             *string
	Workers               *int
}

func NewAppConfig() *AppConfig {
	config := &AppConfig{}

	// Load required configuration
	loadRequiredConfig(config)

	// Load optional configuration with defaults
	loadOptionalConfig(config)

	return config
}

// loadRequiredConfig loads all required configuration values and fails fast if any are missing
func loadRequiredConfig(config *AppConfig) {
	privateKey := os.Getenv("PRIVATE_KEY")
	if privateKey == "" {
		log.Fatalf("REQUIRED: PRIVATE_KEY not set in environment")
	}
	// Remove 0x prefix if it exists
	privateKey = strings.TrimPrefix(privateKey, "0x")
	config.PrivateKey = &privateKey

	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		log.Fatalf("REQUIRED: RPC_URL not set in environment")
	}
	config.RPCURL = &rpcURL

	bundlerURL := os.Getenv("BUNDLER_URL")
	if bundlerURL == "" {
		log.Fatalf("REQUIRED: BUNDLER_URL not set in environment")
	}
	config.BundlerURL = &bundlerURL
}

// loadOptionalConfig loads all optional configuration values with sensible defaults
func loadOptionalConfig(config *AppConfig) {
	dsn := os.Getenv("DB_URL")
	config.DSN = &dsn

	redisAddr := os.Getenv("REDIS_URL")
	config.RedisAddr = &redisAddr

	apiSecret := os.Getenv("API_SECRET")
	config.APISecret = &apiSecret

	// HTTP server port (default: 8080)
	port := getEnvWithDefault("PORT", "8080")
	config.Port = &port

	// Log level (default: debug)
	// Available levels: "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"
	logLevel := getEnvWithDefault("LOG_LEVEL", "debug")
	config.LogLevel = &logLevel

	// Log format (default: console); "json" for log shippers
	logFormat := getEnvWithDefault("LOG_FORMAT", "console")
	config.LogFormat = &logFormat

	allowOrigins := splitList(os.Getenv("ALLOW_ORIGINS"))
	config.AllowOrigins = &allowOrigins

	// Migration path (default: file://migrations)
	migrationPath := getEnvWithDefault("MIGRATION_PATH", "file://migrations")
	config.MigrationPath = &migrationPath

	loadChainConfig(config)
	loadAccountConfig(config)
	loadPipelineConfig(config)
}

func loadChainConfig(config *AppConfig) {
	chainID := getInt64("CHAIN_ID", 0)
	config.ChainID = &chainID

	entryPoint := getAddress("ENTRY_POINT", erc4337.EntryPointV06)
	config.EntryPoint = &entryPoint

	// eth_sendUserOperation unless the bundler needs the proxy method
	sendMethod := getEnvWithDefault("SEND_METHOD", erc4337.MethodSendUserOperation)
	config.SendMethod = &sendMethod
}

func loadAccountConfig(config *AppConfig) {
	factory := getAddress("ACCOUNT_FACTORY", common.Address{})
	config.AccountFactory = &factory

	salt := getInt64("ACCOUNT_SALT", 0)
	config.AccountSalt = &salt

	var paymasterAndData hexutil.Bytes
	if raw := os.Getenv("PAYMASTER_AND_DATA"); raw != "" {
		decoded, err := hexutil.Decode(raw)
		if err != nil {
			log.Fatalf("Invalid PAYMASTER_AND_DATA value '%s': %v", raw, err)
		}
		paymasterAndData = decoded
	}
	config.PaymasterAndData = &paymasterAndData
}

func loadPipelineConfig(config *AppConfig) {
	gasFeeAPIURL := os.Getenv("GAS_FEE_API_URL")
	config.GasFeeAPIURL = &gasFeeAPIURL

	multiplier := getDecimal("GAS_ESTIMATE_MULTIPLIER", service.DefaultGasMultiplier)
	config.GasEstimateMultiplier = &multiplier

	confirmationTimeout := getDuration("CONFIRMATION_TIMEOUT", erc4337.DefaultConfirmationTimeout)
	config.ConfirmationTimeout = &confirmationTimeout

	reconcileInterval := getDuration("RECONCILE_INTERVAL", time.Minute)
	config.ReconcileInterval = &reconcileInterval

	maxPendingAge := getDuration("MAX_PENDING_AGE", time.Hour)
	config.MaxPendingAge = &maxPendingAge

	queueName := getEnvWithDefault("QUEUE_NAME", "userop_queue")
	config.QueueName = &queueName

	workers := int(getInt64("WORKERS", 4))
	config.Workers = &workers
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64(key string, defaultValue int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("Warning: Invalid %s value '%s', using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

// getDuration accepts Go durations ("30s") or plain seconds ("30").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Warning: Invalid %s value '%s', using default %s", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func getDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil || !parsed.IsPositive() {
		log.Printf("Warning: Invalid %s value '%s', using default %s", key, raw, defaultValue)
		return defaultValue
	}
	return parsed
}

func getAddress(key string, defaultValue common.Address) common.Address {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if !common.IsHexAddress(raw) {
		log.Fatalf("Invalid %s value '%s': not an address", key, raw)
	}
	return common.HexToAddress(raw)
}

// splitList parses a comma-separated list, dropping empty entries
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
