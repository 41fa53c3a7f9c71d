package server

import (
	"github.com/cleargate/x402"
)

// Helper constructors for common payment requirements with USDC.

// RequireUSDCBase creates a payment requirement for USDC on Base mainnet.
func RequireUSDCBase(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBase,
		Asset:             x402.USDCAddressBase,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraName:    "USD Coin",
			x402.ExtraVersion: "2",
		},
	}
}

// RequireUSDCBaseSepolia creates a payment requirement for USDC on Base
// Sepolia testnet.
func RequireUSDCBaseSepolia(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkBaseSepolia,
		Asset:             x402.USDCAddressBaseSepolia,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraName:    "USDC",
			x402.ExtraVersion: "2",
		},
	}
}

// RequireUSDCPolygon creates a payment requirement for USDC on Polygon
// mainnet.
func RequireUSDCPolygon(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkPolygon,
		Asset:             x402.USDCAddressPolygon,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraName:    "USD Coin",
			x402.ExtraVersion: "2",
		},
	}
}

// RequireUSDCAvalanche creates a payment requirement for USDC on Avalanche
// C-Chain mainnet.
func RequireUSDCAvalanche(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkAvalanche,
		Asset:             x402.USDCAddressAvalanche,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraName:    "USD Coin",
			x402.ExtraVersion: "2",
		},
	}
}

// RequireUSDCSolana creates a payment requirement for USDC on Solana
// mainnet. The fee payer is filled in later, either through the
// facilitator's supported-kinds data or a quote.
func RequireUSDCSolana(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolana,
		Asset:             x402.USDCMintSolana,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraDecimals: "6",
			x402.ExtraName:     "USD Coin",
		},
	}
}

// RequireUSDCSolanaDevnet creates a payment requirement for USDC on Solana
// devnet.
func RequireUSDCSolanaDevnet(payTo, amount, description string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkSolanaDevnet,
		Asset:             x402.USDCMintSolanaDevnet,
		PayTo:             payTo,
		MaxAmountRequired: amount,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: 60,
		Extra: map[string]string{
			x402.ExtraDecimals: "6",
			x402.ExtraName:     "USDC (Devnet)",
		},
	}
}
