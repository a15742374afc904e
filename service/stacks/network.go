package stacks

import (
	"fmt"
	"strings"

	"github.com/brojonat/satswap/service/clarity"
)

// Network holds the constants that differ between mainnet and testnet
// transactions.
type Network struct {
	Name string

	// TransactionVersion is the first byte of every serialized transaction.
	TransactionVersion byte
	ChainID            uint32

	// AddressVersion is the c32 version of single-sig account addresses.
	AddressVersion byte
}

var (
	Mainnet = Network{
		Name:               "mainnet",
		TransactionVersion: 0x00,
		ChainID:            0x00000001,
		AddressVersion:     clarity.VersionMainnetP2PKH,
	}
	Testnet = Network{
		Name:               "testnet",
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
		AddressVersion:     clarity.VersionTestnetP2PKH,
	}
)

// NetworkByName returns the network for "mainnet" or "testnet".
func NetworkByName(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	default:
		return Network{}, fmt.Errorf("unknown network %q (must be 'mainnet' or 'testnet')", name)
	}
}
