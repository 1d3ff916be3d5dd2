package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"hash/crc32"
	"strings"

	idperrors "github.com/tendant/simple-identity/internal/errors"
)

const (
	// selfAuthenticatingTag marks a principal derived from a public key.
	selfAuthenticatingTag = 0x02
	// anonymousTag marks the anonymous principal.
	anonymousTag = 0x04
	// maxPrincipalLen bounds the raw principal length.
	maxPrincipalLen = 29
)

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Principal is a stable identifier derived from a public key. It is used as
// the session subject and as the lookup key for stored secrets.
type Principal []byte

// Anonymous is the principal of a caller with no identity at all.
var Anonymous = Principal{anonymousTag}

// SelfAuthenticating derives the principal of a DER-encoded public key:
// SHA-224 of the key followed by the self-authenticating tag byte.
func SelfAuthenticating(der []byte) Principal {
	sum := sha256.Sum224(der)
	p := make(Principal, 0, len(sum)+1)
	p = append(p, sum[:]...)
	return append(p, selfAuthenticatingTag)
}

// String returns the textual form: lowercase base32 of CRC32 || bytes,
// in dash-separated groups of five characters.
func (p Principal) String() string {
	buf := make([]byte, 4, 4+len(p))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p))
	buf = append(buf, p...)

	encoded := strings.ToLower(principalEncoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(encoded); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := min(i+5, len(encoded))
		sb.WriteString(encoded[i:end])
	}
	return sb.String()
}

// Equal reports whether two principals are identical.
func (p Principal) Equal(other Principal) bool {
	return bytes.Equal(p, other)
}

// ParsePrincipal parses the textual form produced by String. The checksum
// must match and the input must be in canonical form.
func ParsePrincipal(text string) (Principal, error) {
	raw, err := principalEncoding.DecodeString(strings.ToUpper(strings.ReplaceAll(text, "-", "")))
	if err != nil {
		return nil, idperrors.InvalidInput("principal is not valid base32")
	}
	if len(raw) < 4 || len(raw)-4 > maxPrincipalLen {
		return nil, idperrors.InvalidInput("principal has invalid length")
	}

	p := Principal(raw[4:])
	if binary.BigEndian.Uint32(raw[:4]) != crc32.ChecksumIEEE(p) {
		return nil, idperrors.InvalidInput("principal checksum mismatch")
	}
	if p.String() != text {
		return nil, idperrors.InvalidInput("principal is not in canonical form")
	}
	return p, nil
}
