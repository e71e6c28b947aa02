// Package audit maintains the hash-chained, tamper-evident record of every
// governance lifecycle event.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vetohq/veto/internal/model"
)

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "genesis"

// EntryHash computes the SHA-256 hex digest of an entry's canonical form.
//
// Canonical encoding: each field is a 4-byte big-endian length prefix
// followed by the field bytes, in fixed order: previous hash, event type,
// action id, decision id (empty when absent), data pair count, then each
// data key and value in lexicographic key order, then the timestamp as UTC
// RFC3339Nano. Length prefixing avoids delimiter collisions in freeform
// values; two conforming implementations agree byte for byte.
func EntryHash(previousHash string, eventType model.AuditEventType, actionID uuid.UUID,
	decisionID *uuid.UUID, data map[string]string, ts time.Time) string {

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(previousHash)
	writeField(string(eventType))
	writeField(actionID.String())
	if decisionID != nil {
		writeField(decisionID.String())
	} else {
		writeField("")
	}

	writeField(strconv.Itoa(len(data)))
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(data[k])
	}

	writeField(ts.UTC().Format(time.RFC3339Nano))

	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the hash an entry should carry given its stored fields.
func Recompute(e model.AuditEntry) string {
	return EntryHash(e.PreviousHash, e.Type, e.ActionID, e.DecisionID, e.Data, e.Timestamp)
}
