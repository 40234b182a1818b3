package dataobject

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"

	"github.com/haggle-project/haggle/attribute"
)

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseWeight(s string) uint32 {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return attribute.DefaultWeight
	}
	return uint32(v)
}

func encodeHex(b []byte) string { return hex.EncodeToString(b) }

func encodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeBase64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

func decodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
