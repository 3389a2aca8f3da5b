package config

import "encoding/hex"

func encodeHex(b []byte) string { return hex.EncodeToString(b) }

func decodeHex(s string) ([]byte, error) { return hex.DecodeString(s) }
