package ton

import (
	"context"
	"fmt"
	"strings"

	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

type ConnectConfig struct {
	Network        string // mainnet/testnet
	LiteServerHost string
	LiteServerPort int
	LiteServerKey  string
}

// Connect establishes a connection to the TON network.
// If a lite server host and key are set, connects to that server only.
// Otherwise, discovers lite servers from the global config of the network.
func Connect(ctx context.Context, cfg ConnectConfig, log *zap.Logger) (ton.APIClientWrapped, error) {
	client := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := client.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		configURL := "https://ton.org/testnet-global.config.json"
		if strings.EqualFold(cfg.Network, "mainnet") {
			configURL = "https://ton.org/global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.Network))
		if err := client.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.EqualFold(cfg.Network, "mainnet") {
		proofPolicy = ton.ProofCheckPolicySecure
	}

	return ton.NewAPIClient(client, proofPolicy).WithRetry(), nil
}
