package x402

import (
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/ar-permaweb/turbo/internal/payment/x402types"
)

func testNetworkConfig() x402types.NetworkConfig {
	return x402types.NetworkConfig{
		Network:       "base-sepolia",
		ChainID:       84532,
		USDCAddress:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		DomainName:    "USD Coin",
		DomainVersion: "2",
		PayToAddress:  "0x000000000000000000000000000000000000aa",
		Enabled:       true,
	}
}

func signAuth(t *testing.T, auth x402types.Authorization, netCfg x402types.NetworkConfig, priv []byte) x402types.Authorization {
	key, err := crypto.ToECDSA(priv)
	require.NoError(t, err)

	d, _, err := digest(auth, netCfg)
	require.NoError(t, err)

	sig, err := crypto.Sign(d.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27

	auth.Signature = "0x" + common.Bytes2Hex(sig)
	return auth
}

func newSignedAuth(t *testing.T, netCfg x402types.NetworkConfig, from common.Address, priv []byte, now time.Time) x402types.Authorization {
	auth := x402types.Authorization{
		From:        from.Hex(),
		To:          netCfg.PayToAddress,
		Value:       "1000000",
		ValidAfter:  strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Hour).Unix(), 10),
		Nonce:       "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("nonce-1"))),
	}
	return signAuth(t, auth, netCfg, priv)
}

func TestVerifySignatureAccepts(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	netCfg := testNetworkConfig()
	now := time.Now()

	auth := newSignedAuth(t, netCfg, from, crypto.FromECDSA(key), now)

	signer, err := verifySignature(auth, netCfg, now)
	require.NoError(t, err)
	require.Equal(t, from.Hex(), signer)
}

func TestVerifySignatureRejectsWrongSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	netCfg := testNetworkConfig()
	now := time.Now()

	auth := newSignedAuth(t, netCfg, crypto.PubkeyToAddress(key.PublicKey), crypto.FromECDSA(key), now)
	auth.From = crypto.PubkeyToAddress(other.PublicKey).Hex() // claims a different signer

	_, err = verifySignature(auth, netCfg, now)
	require.Error(t, err)
}

func TestVerifySignatureRejectsExpired(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	netCfg := testNetworkConfig()
	past := time.Now().Add(-24 * time.Hour)

	auth := newSignedAuth(t, netCfg, from, crypto.FromECDSA(key), past)

	_, err = verifySignature(auth, netCfg, time.Now())
	require.Error(t, err)
}

func TestVerifySignatureRejectsPayToMismatch(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	netCfg := testNetworkConfig()
	now := time.Now()

	auth := x402types.Authorization{
		From:        from.Hex(),
		To:          "0x000000000000000000000000000000000000bb", // not netCfg.PayToAddress
		Value:       "1000000",
		ValidAfter:  strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Hour).Unix(), 10),
		Nonce:       "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("nonce-2"))),
	}
	auth = signAuth(t, auth, netCfg, crypto.FromECDSA(key))

	_, err = verifySignature(auth, netCfg, now)
	require.Error(t, err)
}

func TestDigestDeterministic(t *testing.T) {
	netCfg := testNetworkConfig()
	auth := x402types.Authorization{
		From:        "0x00000000000000000000000000000000000001",
		To:          netCfg.PayToAddress,
		Value:       "5",
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10),
		Nonce:       "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("deterministic"))),
	}
	d1, _, err := digest(auth, netCfg)
	require.NoError(t, err)
	d2, _, err := digest(auth, netCfg)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	auth.Value = "6"
	d3, _, err := digest(auth, netCfg)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3)
}
