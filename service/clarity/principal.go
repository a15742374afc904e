package clarity

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Address versions for single-sig (P2PKH) and multi-sig (P2SH) accounts.
const (
	VersionMainnetP2PKH byte = 22
	VersionMainnetP2SH  byte = 20
	VersionTestnetP2PKH byte = 26
	VersionTestnetP2SH  byte = 21
)

const (
	c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

	// MaxContractNameBytes is the longest contract name the network accepts.
	MaxContractNameBytes = 40
)

var (
	// ErrInvalidAddress is returned for text that is not a c32check address.
	ErrInvalidAddress = errors.New("invalid address")

	contractNameRe = regexp.MustCompile(`^[a-zA-Z]([a-zA-Z0-9]|[-_])*$`)
	clarityNameRe  = regexp.MustCompile(`^([a-zA-Z]([a-zA-Z0-9]|[-_!?+<>=/*])*|[-+=/*]|[<>]=?)$`)
)

// Principal identifies an account (standard principal) or a deployed
// contract (ContractName non-empty).
type Principal struct {
	Version      byte
	Hash160      [20]byte
	ContractName string
}

func (p Principal) Kind() Kind {
	if p.ContractName != "" {
		return KindContractPrinc
	}
	return KindStandardPrinc
}
func (Principal) isValue() {}

// IsContract reports whether p names a contract.
func (p Principal) IsContract() bool { return p.ContractName != "" }

// Address returns the c32check address of the account part of p.
func (p Principal) Address() string {
	return c32Address(p.Version, p.Hash160[:])
}

// String renders p as ADDRESS or ADDRESS.contract-name.
func (p Principal) String() string {
	if p.ContractName != "" {
		return p.Address() + "." + p.ContractName
	}
	return p.Address()
}

// ParsePrincipal parses "ADDRESS" or "ADDRESS.contract-name".
func ParsePrincipal(s string) (Principal, error) {
	addr, name, isContract := strings.Cut(s, ".")
	version, hash, err := ParseAddress(addr)
	if err != nil {
		return Principal{}, err
	}
	p := Principal{Version: version, Hash160: hash}
	if isContract {
		if !ValidContractName(name) {
			return Principal{}, fmt.Errorf("%w: invalid contract name %q", ErrInvalidAddress, name)
		}
		p.ContractName = name
	}
	return p, nil
}

// MustParsePrincipal is ParsePrincipal for constants; it panics on error.
func MustParsePrincipal(s string) Principal {
	p, err := ParsePrincipal(s)
	if err != nil {
		panic(err)
	}
	return p
}

// StandardPrincipal builds an account principal from its version and hash.
func StandardPrincipal(version byte, hash160 [20]byte) Principal {
	return Principal{Version: version, Hash160: hash160}
}

// ValidContractName reports whether name can name a deployed contract.
func ValidContractName(name string) bool {
	return len(name) > 0 && len(name) <= MaxContractNameBytes && contractNameRe.MatchString(name)
}

// ValidClarityName reports whether name can name a function or tuple field.
func ValidClarityName(name string) bool {
	return len(name) > 0 && len(name) <= maxNameBytes && clarityNameRe.MatchString(name)
}

// ParseAddress decodes a c32check address into its version and hash160.
func ParseAddress(addr string) (byte, [20]byte, error) {
	var hash [20]byte
	if len(addr) < 3 || addr[0] != 'S' {
		return 0, hash, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	version := strings.IndexByte(c32Alphabet, c32Normalize(addr[1:2])[0])
	if version < 0 {
		return 0, hash, fmt.Errorf("%w: bad version character in %q", ErrInvalidAddress, addr)
	}
	data, err := c32Decode(addr[2:])
	if err != nil {
		return 0, hash, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(data) != len(hash)+4 {
		return 0, hash, fmt.Errorf("%w: decoded length %d", ErrInvalidAddress, len(data))
	}
	payload, sum := data[:20], data[20:]
	if !bytes.Equal(sum, c32Checksum(byte(version), payload)) {
		return 0, hash, fmt.Errorf("%w: checksum mismatch in %q", ErrInvalidAddress, addr)
	}
	copy(hash[:], payload)
	return byte(version), hash, nil
}

func c32Address(version byte, hash160 []byte) string {
	data := make([]byte, 0, len(hash160)+4)
	data = append(data, hash160...)
	data = append(data, c32Checksum(version, hash160)...)
	return "S" + string(c32Alphabet[version&31]) + c32Encode(data)
}

func c32Checksum(version byte, payload []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, payload...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

// c32Encode renders data as a big-endian base-32 number, one leading '0'
// per leading zero byte.
func c32Encode(data []byte) string {
	out := make([]byte, 0, len(data)*8/5+1)
	var acc uint32
	var bits uint
	for i := len(data) - 1; i >= 0; i-- {
		acc |= uint32(data[i]) << bits
		bits += 8
		for bits >= 5 {
			out = append(out, c32Alphabet[acc&31])
			acc >>= 5
			bits -= 5
		}
	}
	if bits > 0 {
		out = append(out, c32Alphabet[acc&31])
	}
	for len(out) > 0 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	for i := 0; i < len(data) && data[i] == 0; i++ {
		out = append(out, '0')
	}
	reverse(out)
	return string(out)
}

func c32Decode(s string) ([]byte, error) {
	s = c32Normalize(s)
	leading := 0
	for leading < len(s) && s[leading] == '0' {
		leading++
	}
	out := make([]byte, 0, len(s)*5/8+1)
	var acc uint32
	var bits uint
	for i := len(s) - 1; i >= 0; i-- {
		d := strings.IndexByte(c32Alphabet, s[i])
		if d < 0 {
			return nil, fmt.Errorf("invalid c32 character %q", s[i])
		}
		acc |= uint32(d) << bits
		bits += 5
		for bits >= 8 {
			out = append(out, byte(acc))
			acc >>= 8
			bits -= 8
		}
	}
	if bits > 0 && acc != 0 {
		out = append(out, byte(acc))
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	for i := 0; i < leading; i++ {
		out = append(out, 0)
	}
	reverse(out)
	return out, nil
}

func c32Normalize(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "O", "0")
	s = strings.ReplaceAll(s, "L", "1")
	return strings.ReplaceAll(s, "I", "1")
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
