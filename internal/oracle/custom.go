package oracle

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"perpcore/internal/perperr"
)

// PriceUpdate is the payload of a custom oracle price update. For the
// permissionless path the exact serialised form of this struct is what the
// oracle authority signs.
type PriceUpdate struct {
	CustodyKey  string
	Price       uint64
	Expo        int32
	Conf        uint64
	EMA         uint64
	PublishTime int64
}

// updateMessageLen is the fixed length of the signed message: a 32-byte
// custody key digest followed by the five little-endian numeric fields.
const updateMessageLen = 32 + 8 + 4 + 8 + 8 + 8

// SignedMessage serialises the update into the fixed-offset form covered by
// the ed25519 signature.
func (u *PriceUpdate) SignedMessage() []byte {
	buf := make([]byte, 0, updateMessageLen)
	digest := sha256.Sum256([]byte(u.CustodyKey))
	buf = append(buf, digest[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, u.Price)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(u.Expo))
	buf = binary.LittleEndian.AppendUint64(buf, u.Conf)
	buf = binary.LittleEndian.AppendUint64(buf, u.EMA)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(u.PublishTime))
	return buf
}

// VerifySignedUpdate validates a permissionless price update: the message
// must parse at fixed offsets, match the update parameters, and carry a valid
// signature from the custody's oracle authority.
func VerifySignedUpdate(update *PriceUpdate, message, signature []byte, authority []byte) error {
	if len(signature) != ed25519.SignatureSize || len(message) != updateMessageLen {
		return perperr.ErrPermissionlessOracleMissingSignature
	}
	if len(authority) != ed25519.PublicKeySize {
		return perperr.ErrPermissionlessOracleSignerMismatch
	}
	if !bytes.Equal(message, update.SignedMessage()) {
		return perperr.ErrPermissionlessOracleMessageMismatch
	}
	if !ed25519.Verify(ed25519.PublicKey(authority), message, signature) {
		return perperr.ErrPermissionlessOracleSignerMismatch
	}
	return nil
}

// Apply writes the update into the stored record. A publish time at or before
// the stored one is silently ignored: no update, no error.
func (u *PriceUpdate) Apply(record *CustomOracle) bool {
	if u.PublishTime <= record.PublishTime {
		return false
	}
	record.Set(u.Price, u.Expo, u.Conf, u.EMA, u.PublishTime)
	return true
}
