package tx

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"

	"PredictLedger/internal/apperr"
	"PredictLedger/internal/crypto"
)

// SignedEnvelope is the client request at the system boundary.
type SignedEnvelope struct {
	SenderPubkey  string
	SenderAddress string
	Nonce         uint64
	Timestamp     int64 // unix seconds
	TxType        TxType
	Payload       Payload
	Signature     string
}

type wireEnvelope struct {
	SenderPubkey  string          `json:"sender_pubkey"`
	SenderAddress string          `json:"sender_address,omitempty"`
	Nonce         uint64          `json:"nonce"`
	Timestamp     int64           `json:"timestamp"`
	TxType        TxType          `json:"tx_type"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
}

func (e SignedEnvelope) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		b, err := CanonicalPayload(e.Payload)
		if err != nil {
			return nil, err
		}
		payload = b
	}
	return json.Marshal(wireEnvelope{
		SenderPubkey:  e.SenderPubkey,
		SenderAddress: e.SenderAddress,
		Nonce:         e.Nonce,
		Timestamp:     e.Timestamp,
		TxType:        e.TxType,
		Payload:       payload,
		Signature:     e.Signature,
	})
}

func (e *SignedEnvelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return apperr.New(apperr.CodeMalformedPayload, "envelope: %v", err)
	}
	if len(w.Payload) == 0 {
		return apperr.New(apperr.CodeMalformedPayload, "envelope: payload is missing")
	}
	p, err := DecodePayload(w.Payload)
	if err != nil {
		return err
	}
	*e = SignedEnvelope{
		SenderPubkey:  w.SenderPubkey,
		SenderAddress: w.SenderAddress,
		Nonce:         w.Nonce,
		Timestamp:     w.Timestamp,
		TxType:        w.TxType,
		Payload:       p,
		Signature:     w.Signature,
	}
	return nil
}

// ParseEnvelope decodes an envelope from its JSON wire form.
func ParseEnvelope(b []byte) (*SignedEnvelope, error) {
	var env SignedEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		if apperr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeMalformedPayload, "envelope: %v", err)
	}
	return &env, nil
}

// SigningDigest is SHA-256(tx_type u8 || nonce be64 || timestamp be64 ||
// pubkey 32 || canonical payload).
func SigningDigest(txType TxType, nonce uint64, timestamp int64, pub ed25519.PublicKey, payload Payload) ([32]byte, error) {
	body, err := CanonicalPayload(payload)
	if err != nil {
		return [32]byte{}, err
	}

	var header [1 + 8 + 8]byte
	header[0] = byte(txType)
	binary.BigEndian.PutUint64(header[1:9], nonce)
	binary.BigEndian.PutUint64(header[9:17], uint64(timestamp))

	h := sha256.New()
	h.Write(header[:])
	h.Write(pub)
	h.Write(body)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Sign builds a signed envelope for the given payload.
func Sign(kp *crypto.KeyPair, nonce uint64, timestamp int64, payload Payload) (*SignedEnvelope, error) {
	digest, err := SigningDigest(payload.Kind(), nonce, timestamp, kp.Public, payload)
	if err != nil {
		return nil, err
	}
	return &SignedEnvelope{
		SenderPubkey:  kp.PublicHex(),
		SenderAddress: kp.Address(),
		Nonce:         nonce,
		Timestamp:     timestamp,
		TxType:        payload.Kind(),
		Payload:       payload,
		Signature:     crypto.EncodeHex(kp.Sign(digest[:])),
	}, nil
}

// VerifyOptions bounds envelope freshness.
type VerifyOptions struct {
	Now          time.Time
	ExpiryWindow time.Duration
	ClockSkew    time.Duration
}

// Verified is an envelope that passed every stateless check. The sender
// address is derived from the public key, never taken from the envelope.
type Verified struct {
	Sender    string
	PublicKey ed25519.PublicKey
	Nonce     uint64
	Timestamp int64
	TxType    TxType
	Payload   Payload
	Digest    [32]byte
}

// DigestHex is the lower-case hex signing digest, used as the receipt key.
func (v *Verified) DigestHex() string {
	return hex.EncodeToString(v.Digest[:])
}

// Verify runs the stateless admission checks in order: public key,
// signature encoding, type/payload agreement, signature, expiry, address
// binding and payload field validation.
func Verify(env *SignedEnvelope, opts VerifyOptions) (*Verified, error) {
	pub, err := crypto.ParsePublicKey(env.SenderPubkey)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.ParseSignature(env.Signature)
	if err != nil {
		return nil, err
	}
	if env.Payload == nil {
		return nil, apperr.New(apperr.CodeMalformedPayload, "envelope has no payload")
	}
	if !env.TxType.Valid() {
		return nil, apperr.New(apperr.CodeMalformedPayload, "unknown tx_type %d", env.TxType)
	}
	if env.Payload.Kind() != env.TxType {
		return nil, apperr.New(apperr.CodeTypeMismatch, "tx_type %s does not match payload kind %s",
			env.TxType, env.Payload.Kind())
	}

	digest, err := SigningDigest(env.TxType, env.Nonce, env.Timestamp, pub, env.Payload)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(pub, digest[:], sig) {
		return nil, apperr.New(apperr.CodeSignatureMismatch, "signature does not verify")
	}

	now := opts.Now.Unix()
	window := int64(opts.ExpiryWindow / time.Second)
	skew := int64(opts.ClockSkew / time.Second)
	if now > env.Timestamp+window {
		return nil, apperr.New(apperr.CodeExpired, "envelope expired: timestamp=%d now=%d window=%ds",
			env.Timestamp, now, window)
	}
	if env.Timestamp > now+skew {
		return nil, apperr.New(apperr.CodeExpired, "envelope from the future: timestamp=%d now=%d skew=%ds",
			env.Timestamp, now, skew)
	}

	sender := crypto.DeriveAddress(pub)
	if env.SenderAddress != "" && env.SenderAddress != sender {
		return nil, apperr.New(apperr.CodeAddressMismatch, "sender_address %s does not belong to pubkey (%s)",
			env.SenderAddress, sender)
	}

	if err := env.Payload.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateStrings(env.Payload); err != nil {
		return nil, err
	}

	return &Verified{
		Sender:    sender,
		PublicKey: pub,
		Nonce:     env.Nonce,
		Timestamp: env.Timestamp,
		TxType:    env.TxType,
		Payload:   env.Payload,
		Digest:    digest,
	}, nil
}
