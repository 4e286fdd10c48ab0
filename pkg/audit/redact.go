package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// redactRecord replaces the domains with salted hashes. Reason codes and
// container ids stay readable; they carry no browsing history.
func redactRecord(rec Record, salt []byte) Record {
	rec.RequestDomain = hashDomain(rec.RequestDomain, salt)
	rec.TabDomain = hashDomain(rec.TabDomain, salt)
	return rec
}

func hashDomain(domain string, salt []byte) string {
	if domain == "" {
		return ""
	}
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(domain))
	return "h:" + hex.EncodeToString(h.Sum(nil))[:16]
}
