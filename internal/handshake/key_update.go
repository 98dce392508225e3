package handshake

import "crypto"

// NextTrafficSecret derives the next application traffic secret from the
// current one, as defined in RFC 9001, section 6.
func NextTrafficSecret(hash crypto.Hash, current []byte) []byte {
	return hkdfExpandLabel(hash, current, []byte{}, "quic ku", hash.Size())
}

// NextTrafficSecrets rotates an rx/tx secret pair for a key update.
// Both directions update together: a key update always switches the whole
// application level to the next generation.
func NextTrafficSecrets(hash crypto.Hash, rx, tx []byte) (newRx, newTx []byte) {
	return NextTrafficSecret(hash, rx), NextTrafficSecret(hash, tx)
}
