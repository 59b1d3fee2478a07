package shared

import (
	"bytes"
	"strconv"
)

// IsFalsyJSON reports whether raw is missing or one of the JSON values that
// count as "nothing" for routing data: null, false, "" and any numeric zero.
func IsFalsyJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "false", `""`:
		return true
	}
	if c := trimmed[0]; c == '-' || (c >= '0' && c <= '9') {
		f, err := strconv.ParseFloat(string(trimmed), 64)
		return err == nil && f == 0
	}
	return false
}
