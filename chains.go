package x402

import "math/big"

// NetworkType distinguishes the ledger families a network belongs to.
type NetworkType int

const (
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM covers chains that settle exact payments through
	// EIP-3009 transfer authorizations.
	NetworkTypeEVM
	// NetworkTypeSVM covers chains that settle exact payments through
	// fee-sponsored, partially signed transactions.
	NetworkTypeSVM
)

// Network identifiers.
const (
	NetworkBase          = "base"
	NetworkBaseSepolia   = "base-sepolia"
	NetworkEthereum      = "ethereum"
	NetworkSepolia       = "sepolia"
	NetworkPolygon       = "polygon"
	NetworkPolygonAmoy   = "polygon-amoy"
	NetworkAvalanche     = "avalanche"
	NetworkAvalancheFuji = "avalanche-fuji"
	NetworkSolana        = "solana"
	NetworkSolanaDevnet  = "solana-devnet"
)

// NetworkChainIDs maps EVM network names to chain IDs.
var NetworkChainIDs = map[string]*big.Int{
	NetworkBase:          big.NewInt(8453),
	NetworkBaseSepolia:   big.NewInt(84532),
	NetworkEthereum:      big.NewInt(1),
	NetworkSepolia:       big.NewInt(11155111),
	NetworkPolygon:       big.NewInt(137),
	NetworkPolygonAmoy:   big.NewInt(80002),
	NetworkAvalanche:     big.NewInt(43114),
	NetworkAvalancheFuji: big.NewInt(43113),
}

// SolanaGenesisHashes maps SVM network names to their genesis hash, the
// canonical cluster identifier.
var SolanaGenesisHashes = map[string]string{
	NetworkSolana:       "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdpBfcTzWFwtzBp",
	NetworkSolanaDevnet: "EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG",
}

// Official Circle USDC contract and mint addresses per network.
const (
	USDCAddressBase          = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	USDCAddressBaseSepolia   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	USDCAddressEthereum      = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	USDCAddressSepolia       = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	USDCAddressPolygon       = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	USDCAddressPolygonAmoy   = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	USDCAddressAvalanche     = "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E"
	USDCAddressAvalancheFuji = "0x5425890298aed601595a70AB815c96711a31Bc65"
	USDCMintSolana           = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintSolanaDevnet     = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// NetworkTypeOf classifies a network identifier by ledger family.
func NetworkTypeOf(network string) NetworkType {
	if _, ok := NetworkChainIDs[network]; ok {
		return NetworkTypeEVM
	}
	if _, ok := SolanaGenesisHashes[network]; ok {
		return NetworkTypeSVM
	}
	return NetworkTypeUnknown
}

// GetChainID returns the chain ID of an EVM network, or nil when the
// network is not a known EVM chain.
func GetChainID(network string) *big.Int {
	if id, ok := NetworkChainIDs[network]; ok {
		return id
	}
	return nil
}
