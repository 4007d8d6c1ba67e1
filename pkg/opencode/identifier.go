package opencode

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ID kinds accepted by Ascending.
const (
	IDKindSession = "session"
	IDKindMessage = "message"
	IDKindPart    = "part"
)

var idPrefixes = map[string]string{
	IDKindSession: "ses",
	IDKindMessage: "msg",
	IDKindPart:    "prt",
}

const (
	base62Chars    = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	idRandomLength = 14
)

var idState struct {
	mu     sync.Mutex
	lastMS int64
	count  uint64
}

// Ascending generates an OpenCode-compatible ID of the form
// {prefix}_{timestamp_hex}{random_base62}. The 12 hex chars encode
// milliseconds*0x1000 plus a per-millisecond counter, masked to 48 bits, so
// IDs produced by one process are strictly lexicographically increasing.
//
// OpenCode's prompt loop requires each new user message ID to sort after
// every assistant message ID it has already stored; a non-ascending ID makes
// the prompt a silent no-op.
//
// Ascending panics on an unknown kind. That is a programmer error, not a
// runtime condition.
func Ascending(kind string) string {
	prefix, ok := idPrefixes[kind]
	if !ok {
		panic(fmt.Sprintf("opencode: unknown id kind %q", kind))
	}

	idState.mu.Lock()
	now := time.Now().UnixMilli()
	if now != idState.lastMS {
		idState.lastMS = now
		idState.count = 0
	}
	idState.count++
	encoded := uint64(now)*0x1000 + idState.count
	idState.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], encoded&0xFFFFFFFFFFFF)
	return prefix + "_" + hex.EncodeToString(buf[2:]) + randomBase62(idRandomLength)
}

func randomBase62(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("opencode: read random bytes: %v", err))
	}
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = base62Chars[int(b)%len(base62Chars)]
	}
	return string(out)
}
