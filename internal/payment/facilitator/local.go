package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ar-permaweb/turbo/internal/apperr"
	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

// transferWithAuthSig is the 4-byte selector for USDC.transferWithAuthorization.
var transferWithAuthSig = crypto.Keccak256([]byte(
	"transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)",
))[:4]

// Local settles EIP-3009 authorizations by submitting
// transferWithAuthorization directly to the USDC contract, paying gas
// from its own relayer key. It is the no-external-dependency alternative
// to Remote, for networks where networkCfg.RPCURL is set.
type Local struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewLocal builds a Local facilitator from a hex-encoded relayer private key.
func NewLocal(privateKeyHex string) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relayer private key: %w", err)
	}
	return &Local{privateKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the relayer address paying gas for settlements.
func (f *Local) Address() common.Address { return f.address }

func mustBigInt(s string) *big.Int {
	n := new(big.Int)
	n.SetString(s, 10)
	return n
}

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func nonceBytes32(nonce string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(nonce, "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(raw) > 32 {
		return out, fmt.Errorf("nonce too long")
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}

// packTransferWithAuth manually ABI-encodes the transferWithAuthorization
// call, avoiding a runtime abi.JSON parse.
func packTransferWithAuth(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte) []byte {
	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSig)
	offset := 4
	copy(data[offset+12:offset+32], from.Bytes())
	offset += 32
	copy(data[offset+12:offset+32], to.Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(value))
	offset += 32
	copy(data[offset:offset+32], pad32(validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(validBefore))
	offset += 32
	copy(data[offset:offset+32], nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data
}

// Settle submits transferWithAuthorization to the USDC contract on
// networkCfg's chain, paying gas from the relayer key.
func (f *Local) Settle(ctx context.Context, auth x402types.Authorization, networkCfg x402types.NetworkConfig) (string, error) {
	if networkCfg.RPCURL == "" {
		return "", apperr.New(apperr.SettlementFailed, "local facilitator requires an RPC URL")
	}

	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)
	value := mustBigInt(auth.Value)
	validAfter := mustBigInt(auth.ValidAfter)
	validBefore := mustBigInt(auth.ValidBefore)
	usdcAddr := common.HexToAddress(networkCfg.USDCAddress)

	nonce32, err := nonceBytes32(auth.Nonce)
	if err != nil {
		return "", apperr.Wrap(apperr.SignatureInvalid, "decode nonce", err)
	}

	sigHex := strings.TrimPrefix(auth.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return "", apperr.New(apperr.SignatureInvalid, "invalid signature for settlement")
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	callData := packTransferWithAuth(from, to, value, validAfter, validBefore, nonce32, v, r, s)

	client, err := ethclient.DialContext(ctx, networkCfg.RPCURL)
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, "rpc connect", err)
	}
	defer client.Close()

	txNonce, err := client.PendingNonceAt(ctx, f.address)
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, "pending nonce", err)
	}

	gasLimit := uint64(100_000)
	if est, err := client.EstimateGas(ctx, ethereum.CallMsg{From: f.address, To: &usdcAddr, Data: callData}); err == nil {
		gasLimit = est * 12 / 10
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Unavailable, "latest header", err)
	}
	tip := big.NewInt(1e9)
	feeCap := new(big.Int).Add(header.BaseFee, tip)
	chainID := big.NewInt(networkCfg.ChainID)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &usdcAddr,
		Value:     new(big.Int),
		Data:      callData,
	})

	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), f.privateKey)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "signing settlement tx", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", apperr.Wrap(apperr.SettlementFailed, "transaction_failed", err)
	}

	slog.Info("settlement tx submitted", "hash", signed.Hash().Hex(), "from", from.Hex(), "to", to.Hex(), "value", value.String())
	return signed.Hash().Hex(), nil
}
