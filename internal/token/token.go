// Package token encodes a (campaign, item) pair into the short opaque string
// used in public campaign-item links.
//
// Current tokens look like "r<campaign>-<item>" with both ids written in
// base 62. Tokens minted before the dash separator existed used the alphabet
// character 'x' as the separator; they are still accepted for reading but are
// never produced for new links.
package token

import (
	"errors"
	"fmt"
	"strings"
)

const (
	prefix          = "r"
	separator       = "-"
	legacySeparator = 'x'
	alphabet        = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	base            = int64(len(alphabet))
	maxID           = int64(^uint64(0) >> 1)
)

var (
	ErrNotFound   = errors.New("token not found")
	ErrAmbiguous  = fmt.Errorf("%w: ambiguous legacy token", ErrNotFound)
	ErrNegativeID = errors.New("token ids must be non-negative")
)

// Ref is the pair a token points at.
type Ref struct {
	CampaignID int64
	ItemID     int64
}

// Encode returns the current-format token for the pair.
func Encode(campaignID, itemID int64) (string, error) {
	if campaignID < 0 || itemID < 0 {
		return "", ErrNegativeID
	}
	return prefix + toBase62(campaignID) + separator + toBase62(itemID), nil
}

// MustEncode is Encode for ids already known to be valid database ids.
func MustEncode(campaignID, itemID int64) string {
	tok, err := Encode(campaignID, itemID)
	if err != nil {
		panic(err)
	}
	return tok
}

// EncodeLegacy renders the deprecated separator-less format. It only exists so
// decoding can check candidates; new links must use Encode.
func EncodeLegacy(campaignID, itemID int64) (string, error) {
	if campaignID < 0 || itemID < 0 {
		return "", ErrNegativeID
	}
	return prefix + toBase62(campaignID) + string(legacySeparator) + toBase62(itemID), nil
}

// Decode resolves a token. Any malformed, unknown or ambiguous input yields an
// error wrapping ErrNotFound.
func Decode(tok string) (Ref, error) {
	if !strings.HasPrefix(tok, prefix) {
		return Ref{}, ErrNotFound
	}
	body := tok[len(prefix):]
	if strings.Contains(body, separator) {
		return decodeCurrent(body)
	}
	return decodeLegacy(tok, body)
}

func decodeCurrent(body string) (Ref, error) {
	left, right, ok := strings.Cut(body, separator)
	if !ok || strings.Contains(right, separator) {
		return Ref{}, ErrNotFound
	}
	c, ok := fromBase62(left)
	if !ok {
		return Ref{}, ErrNotFound
	}
	i, ok := fromBase62(right)
	if !ok {
		return Ref{}, ErrNotFound
	}
	return Ref{CampaignID: c, ItemID: i}, nil
}

// decodeLegacy tries every occurrence of the legacy separator as the split
// point and keeps the candidates that re-encode to exactly the input.
func decodeLegacy(tok, body string) (Ref, error) {
	var found []Ref
	for p := 1; p < len(body)-1; p++ {
		if body[p] != legacySeparator {
			continue
		}
		c, ok := fromBase62(body[:p])
		if !ok {
			continue
		}
		i, ok := fromBase62(body[p+1:])
		if !ok {
			continue
		}
		again, err := EncodeLegacy(c, i)
		if err != nil || again != tok {
			continue
		}
		found = append(found, Ref{CampaignID: c, ItemID: i})
	}
	switch len(found) {
	case 0:
		return Ref{}, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return Ref{}, ErrAmbiguous
	}
}

func toBase62(n int64) string {
	if n == 0 {
		return alphabet[:1]
	}
	var buf [11]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = alphabet[n%base]
		n /= base
	}
	return string(buf[pos:])
}

// fromBase62 accepts only canonical numerals: no leading zeros, no overflow.
func fromBase62(s string) (int64, bool) {
	if s == "" || (len(s) > 1 && s[0] == alphabet[0]) {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(alphabet, s[i])
		if d < 0 {
			return 0, false
		}
		if n > (maxID-int64(d))/base {
			return 0, false
		}
		n = n*base + int64(d)
	}
	return n, true
}
