package storage

import (
	"strconv"
	"strings"
)

// UniqueKey builds the "host:port" key. Host comparison is case-insensitive;
// the secret is not part of the key, so rotating it is an update.
func UniqueKey(server string, port int) string {
	return strings.ToLower(strings.TrimSpace(server)) + ":" + strconv.Itoa(port)
}
