package util

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// TokenToText renders a compact JWS with decoded headers and claims for
// console output. Encrypted or malformed tokens are returned shortened.
func TokenToText(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return shorten(token, 20)
	}

	sb := strings.Builder{}
	sb.WriteString("base64url(")
	sb.WriteString(tokenPartToText(parts[0]))
	sb.WriteString(").base64url(")
	sb.WriteString(tokenPartToText(parts[1]))
	sb.WriteString(").signature(")
	sb.WriteString(shorten(parts[2], 10))
	sb.WriteString(")\n")
	return sb.String()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func tokenPartToText(s string) string {
	dataBytes, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err.Error()
	}
	dataMap := make(map[string]interface{})
	if err := json.Unmarshal(dataBytes, &dataMap); err != nil {
		return string(dataBytes)
	}

	jsonBytes, err := json.MarshalIndent(dataMap, "  ", "  ")
	if err != nil {
		return err.Error()
	}
	return string(jsonBytes)
}
