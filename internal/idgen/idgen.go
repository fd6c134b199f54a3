// Package idgen generates prefixed random identifiers ("trk_", "alr_",
// "cyc_", "ntf_").
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
)

var encoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)

// WithPrefix returns prefix followed by 20 lower-case base32 characters
// (100 random bits).
func WithPrefix(prefix string) string {
	b := make([]byte, 13)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + idLength)
	sb.WriteString(prefix)
	sb.WriteString(encoding.EncodeToString(b)[:idLength])
	return sb.String()
}

const idLength = 20
