package lnaddr

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const humanReadablePart = "lnurl"

// DecodeURL decodes a bech32 LNURL into the URL it wraps. LNURLs routinely
// exceed the 90 character bech32 limit, so no length limit is applied.
func DecodeURL(lnurl string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(lnurl)
	if err != nil {
		return "", err
	}

	if hrp != humanReadablePart {
		return "", fmt.Errorf("incorrect hrp for LNURL. Expected "+
			"'%s', got '%s'", humanReadablePart, hrp)
	}

	data, err = bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// EncodeURL encodes a URL as an upper case bech32 LNURL.
func EncodeURL(url string) (string, error) {
	converted, err := bech32.ConvertBits([]byte(url), 8, 5, true)
	if err != nil {
		return "", err
	}

	str, err := bech32.Encode(humanReadablePart, converted)
	if err != nil {
		return "", err
	}

	return strings.ToUpper(str), nil
}
