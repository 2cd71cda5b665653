package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

const (
	HOUSE_EDGE          = 0.03 // 3%
	DEFAULT_CLIENT_SALT = "default"
	zeroDrawEpsilon     = 0.0001
)

var (
	MinMultiplier   = decimal.RequireFromString("1.00")
	MaxMultiplier   = decimal.RequireFromString("100.00")
	verifyTolerance = decimal.RequireFromString("0.01")
	maxDrawValue    = float64(math.MaxUint32)
)

// GenerateSeed creates a 256-bit cryptographically secure server seed.
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashCommitment is the HMAC-SHA256 of the seed under the server key. It is
// published before flight so the seed cannot be swapped afterwards.
func HashCommitment(serverSeed, serverKey string) string {
	h := hmac.New(sha256.New, []byte(serverKey))
	h.Write([]byte(serverSeed))
	return hex.EncodeToString(h.Sum(nil))
}

// CrashPoint maps a seed and salt to the round's crash multiplier.
// sha256("seed:salt"), first 32 bits normalized to [0,1], then
// (1 - edge) / (1 - r) clamped to [1.00, 100.00].
func CrashPoint(serverSeed, clientSalt string) decimal.Decimal {
	sum := sha256.Sum256([]byte(serverSeed + ":" + clientSalt))
	return multiplierFromDraw(binary.BigEndian.Uint32(sum[:4]))
}

func multiplierFromDraw(draw uint32) decimal.Decimal {
	normalized := float64(draw) / maxDrawValue
	if normalized == 0 {
		normalized = zeroDrawEpsilon
	}
	if normalized >= 1 {
		return MaxMultiplier
	}

	crash := roundCents((1 - HOUSE_EDGE) / (1 - normalized))
	if crash.LessThan(MinMultiplier) {
		return MinMultiplier
	}
	if crash.GreaterThan(MaxMultiplier) {
		return MaxMultiplier
	}
	return crash
}

// roundCents rounds the exact binary value of x to two places, ties to
// even. x >= 0.97 here, so 60 fractional digits hold it exactly.
func roundCents(x float64) decimal.Decimal {
	return decimal.RequireFromString(strconv.FormatFloat(x, 'f', 60, 64)).RoundBank(2)
}

// VerifyRound recomputes the commitment and the crash point from a revealed
// seed. Anyone holding the seed can run it.
func VerifyRound(serverSeed, clientSalt, publishedHash string, publishedMultiplier decimal.Decimal, serverKey string) bool {
	expected, err := hex.DecodeString(HashCommitment(serverSeed, serverKey))
	if err != nil {
		return false
	}
	published, err := hex.DecodeString(publishedHash)
	if err != nil || !hmac.Equal(expected, published) {
		return false
	}

	diff := CrashPoint(serverSeed, clientSalt).Sub(publishedMultiplier).Abs()
	return diff.LessThanOrEqual(verifyTolerance)
}
