package flows

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
)

const BackupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// LowBackupCodesThreshold is the remaining count at or below which the user
// is warned.
const LowBackupCodesThreshold = 2

func NewBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	max := big.NewInt(int64(len(BackupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NewBackupCodes returns count display-formatted codes and their hashes for
// userID, index-aligned.
func NewBackupCodes(userID string, count, length int) ([]string, [][32]byte, error) {
	codes := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := NewBackupCode(length)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, FormatBackupCode(code))
		hashes = append(hashes, BackupCodeHash(userID, code))
	}
	return codes, hashes, nil
}

func FormatBackupCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode makes matching case-insensitive and tolerant of
// the display separator.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// BackupCodeHash salts the canonical code with the owner id so equal codes
// of different users never share a hash.
func BackupCodeHash(userID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

// LowBackupCodes reports whether remaining warrants a warning.
func LowBackupCodes(remaining int) bool {
	return remaining <= LowBackupCodesThreshold
}
