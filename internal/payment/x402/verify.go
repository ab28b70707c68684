// Signature verification for EIP-3009 TransferWithAuthorization, lifted
// directly from the teacher's gateway/x402/local_facilitator.go digest
// math (same domain separator / auth type hash / ecrecover sequence),
// generalized from the teacher's single-network USDC setup to the
// per-network x402types.NetworkConfig this spec needs (multiple enabled
// networks, spec §4.3 step 6).
package x402

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	authTypeHash = crypto.Keccak256Hash([]byte(
		"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
	))
)

func pad32(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func addrPad(a common.Address) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], a.Bytes())
	return padded
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) common.Hash {
	enc := make([]byte, 5*32)
	copy(enc[0:32], domainTypeHash.Bytes())
	copy(enc[32:64], crypto.Keccak256([]byte(name)))
	copy(enc[64:96], crypto.Keccak256([]byte(version)))
	copy(enc[96:128], pad32(chainID))
	copy(enc[128:160], addrPad(contract))
	return crypto.Keccak256Hash(enc)
}

func authHash(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	enc := make([]byte, 7*32)
	copy(enc[0:32], authTypeHash.Bytes())
	copy(enc[32:64], addrPad(from))
	copy(enc[64:96], addrPad(to))
	copy(enc[96:128], pad32(value))
	copy(enc[128:160], pad32(validAfter))
	copy(enc[160:192], pad32(validBefore))
	copy(enc[192:224], nonce[:])
	return crypto.Keccak256Hash(enc)
}

func mustBigInt(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("x402: invalid integer %q", s)
	}
	return n, nil
}

// digest computes the EIP-712 digest of auth under netCfg's domain, and
// returns the auth's nonce as a fixed-size byte array for settlement.
func digest(auth x402types.Authorization, netCfg x402types.NetworkConfig) (common.Hash, [32]byte, error) {
	usdcAddr := common.HexToAddress(netCfg.USDCAddress)
	from := common.HexToAddress(auth.From)
	to := common.HexToAddress(auth.To)

	value, err := mustBigInt(auth.Value)
	if err != nil {
		return common.Hash{}, [32]byte{}, err
	}
	validAfter, err := mustBigInt(auth.ValidAfter)
	if err != nil {
		return common.Hash{}, [32]byte{}, err
	}
	validBefore, err := mustBigInt(auth.ValidBefore)
	if err != nil {
		return common.Hash{}, [32]byte{}, err
	}

	nonceHex := strings.TrimPrefix(auth.Nonce, "0x")
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil {
		return common.Hash{}, [32]byte{}, fmt.Errorf("x402: invalid nonce: %w", err)
	}
	var nonce [32]byte
	if len(nonceBytes) > 32 {
		return common.Hash{}, [32]byte{}, fmt.Errorf("x402: nonce too long")
	}
	copy(nonce[32-len(nonceBytes):], nonceBytes)

	chainID := big.NewInt(netCfg.ChainID)
	ds := domainSeparator(netCfg.DomainName, netCfg.DomainVersion, chainID, usdcAddr)
	ah := authHash(from, to, value, validAfter, validBefore, nonce)
	d := crypto.Keccak256Hash(append([]byte{0x19, 0x01}, append(ds.Bytes(), ah.Bytes()...)...))
	return d, nonce, nil
}

// verifySignature recovers the signer of auth's digest and checks it
// equals auth.From (spec §4.3 step 4). It also checks validAfter/validBefore
// (step 5) and payTo (part of step 6).
func verifySignature(auth x402types.Authorization, netCfg x402types.NetworkConfig, now time.Time) (signer string, err error) {
	d, _, err := digest(auth, netCfg)
	if err != nil {
		return "", err
	}

	sigHex := strings.TrimPrefix(auth.Signature, "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return "", fmt.Errorf("x402: invalid signature")
	}
	sig = append([]byte(nil), sig...) // don't mutate caller's bytes
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubBytes, err := crypto.Ecrecover(d.Bytes(), sig)
	if err != nil {
		return "", fmt.Errorf("x402: ecrecover: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("x402: unmarshal pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	expected := common.HexToAddress(auth.From)
	if recovered != expected {
		return "", fmt.Errorf("x402: signature mismatch: signed by %s, claimed %s", recovered.Hex(), expected.Hex())
	}

	validBefore, err := mustBigInt(auth.ValidBefore)
	if err != nil {
		return "", err
	}
	validAfter, err := mustBigInt(auth.ValidAfter)
	if err != nil {
		return "", err
	}
	nowUnix := big.NewInt(now.Unix())
	if nowUnix.Cmp(validBefore) > 0 || nowUnix.Cmp(validAfter) < 0 {
		return "", fmt.Errorf("x402: authorization not currently valid (validAfter=%s validBefore=%s now=%d)", validAfter, validBefore, now.Unix())
	}

	authTo := common.HexToAddress(auth.To)
	reqPayTo := common.HexToAddress(netCfg.PayToAddress)
	if authTo != reqPayTo {
		return "", fmt.Errorf("x402: payTo mismatch: auth=%s req=%s", authTo.Hex(), reqPayTo.Hex())
	}

	return recovered.Hex(), nil
}
