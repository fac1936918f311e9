package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/fluxline/engine/common/blocks"
	"github.com/fluxline/engine/common/errs"
	"github.com/fluxline/engine/common/models"
)

// BlockchainHandler runs read-only Ethereum queries: account balance,
// suggested gas price, and latest block number. The RPC client dials
// lazily on first use and is shared across invocations.
type BlockchainHandler struct {
	rpcURL string

	mu     sync.Mutex
	client *ethclient.Client
}

// NewBlockchainHandler creates the blockchain block handler
func NewBlockchainHandler(rpcURL string) *BlockchainHandler {
	return &BlockchainHandler{rpcURL: rpcURL}
}

// ValidateConfig checks the operation and, for balance queries, the address
func (h *BlockchainHandler) ValidateConfig(config map[string]interface{}, userID string) []string {
	var problems []string

	op := normalizeOperation(stringValue(config, "operation"))
	switch {
	case op == "":
		problems = append(problems, "operation is required")
	case isReference(op):
	case op != "balance" && op != "gas-price" && op != "block-number":
		problems = append(problems, fmt.Sprintf("unsupported operation %q", op))
	}

	if op == "balance" {
		address := stringValue(config, "address")
		switch {
		case address == "":
			problems = append(problems, "address is required for balance queries")
		case isReference(address):
		case !common.IsHexAddress(address):
			problems = append(problems, fmt.Sprintf("invalid ethereum address %q", address))
		}
	}
	return problems
}

// Execute performs the configured query against the RPC endpoint
func (h *BlockchainHandler) Execute(ctx context.Context, node models.Node, ectx *blocks.Context) (map[string]interface{}, error) {
	if h.rpcURL == "" {
		return nil, &errs.ValidationError{NodeID: node.ID, Message: "blockchain blocks require ETH_RPC_URL to be configured"}
	}

	client, err := h.dial(ctx)
	if err != nil {
		return nil, err
	}

	op := normalizeOperation(stringValue(ectx.Config, "operation"))
	switch op {
	case "balance":
		address := stringValue(ectx.Config, "address")
		if !common.IsHexAddress(address) {
			return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("invalid ethereum address %q", address)}
		}
		balance, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return nil, fmt.Errorf("ethereum balance query failed: %w", err)
		}
		ectx.Logger.Info("balance fetched", "address", address)
		return map[string]interface{}{
			"result":    balance.String(),
			"operation": op,
			"address":   address,
			"unit":      "wei",
		}, nil

	case "gas-price":
		price, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("ethereum gas price query failed: %w", err)
		}
		return map[string]interface{}{
			"result":    price.String(),
			"operation": op,
			"unit":      "wei",
		}, nil

	case "block-number":
		number, err := client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("ethereum block number query failed: %w", err)
		}
		return map[string]interface{}{
			"result":    strconv.FormatUint(number, 10),
			"operation": op,
		}, nil

	default:
		return nil, &errs.ValidationError{NodeID: node.ID, Message: fmt.Sprintf("unsupported blockchain operation %q", op)}
	}
}

// Close releases the shared RPC client
func (h *BlockchainHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client != nil {
		h.client.Close()
		h.client = nil
	}
}

func (h *BlockchainHandler) dial(ctx context.Context) (*ethclient.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}
	client, err := ethclient.DialContext(ctx, h.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ethereum rpc: %w", err)
	}
	h.client = client
	return client, nil
}

func normalizeOperation(op string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(op)), "_", "-")
}
