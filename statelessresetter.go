package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"sync"

	"github.com/zys-contribs/quic/internal/protocol"
)

// statelessResetter derives stateless reset tokens from connection IDs.
// With a configured secret the tokens are stable across restarts, which
// is what makes the reset useful: a rebooted server can still reset
// connections it no longer knows.
type statelessResetter struct {
	enabled bool

	mx     sync.Mutex
	hasher hash.Hash
}

func newStatelessResetter(secret []byte) *statelessResetter {
	r := &statelessResetter{enabled: len(secret) > 0}
	if r.enabled {
		r.hasher = hmac.New(sha256.New, secret)
	}
	return r
}

func (r *statelessResetter) Enabled() bool { return r.enabled }

func (r *statelessResetter) Token(connID ConnectionID) StatelessResetToken {
	var token StatelessResetToken
	if !r.enabled {
		// A random token is still advertised to the peer: an off-path
		// attacker can't predict it, and we will never recognize it, so
		// it degrades to reset-disabled behavior for this CID.
		rand.Read(token[:])
		return token
	}
	r.mx.Lock()
	r.hasher.Write(connID.Bytes())
	copy(token[:], r.hasher.Sum(nil)[:protocol.StatelessResetTokenLen])
	r.hasher.Reset()
	r.mx.Unlock()
	return token
}
