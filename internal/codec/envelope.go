package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/meshdex/meshdex/internal/models"
)

const (
	// DefaultTTLMs bounds envelope validity when the sender does not choose one.
	DefaultTTLMs = int64(30 * time.Minute / time.Millisecond)
	// MaxClockDriftMs is the tolerated sender clock skew into the future.
	MaxClockDriftMs = int64(2 * time.Minute / time.Millisecond)
)

// Verdict reasons, in check order.
const (
	ReasonSchemaTopicMismatch       = "schema_topic_mismatch"
	ReasonUnsupportedSchemaOrTopic  = "unsupported_schema_or_topic"
	ReasonFutureTimestamp           = "future_timestamp"
	ReasonExpired                   = "expired"
	ReasonReplayedNonce             = "replayed_nonce"
	ReasonInvalidSignerPubkey       = "invalid_signer_pubkey"
	ReasonInvalidSignatureEncoding  = "invalid_signature_encoding"
	ReasonSignatureMismatch         = "signature_mismatch"
)

var signerPubKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Signer produces envelope signatures. Implementations live in
// internal/identity.
type Signer interface {
	PublicKeyHex() string
	Sign(message []byte) ([]byte, error)
}

// ReplayWindow consumes nonces, rejecting unexpired duplicates.
type ReplayWindow interface {
	Consume(nonce string, expiresAtMs, nowMs int64) bool
}

// Verdict is the outcome of envelope verification.
type Verdict struct {
	OK     bool
	Reason string
}

func reject(reason string) Verdict { return Verdict{Reason: reason} }

// SignOptions override the generated envelope fields.
type SignOptions struct {
	TS             int64
	TTLMs          int64
	Nonce          string
	TraceID        string
	PolicyRef      string
	SessionContext *models.SessionContext
}

// VerifyOptions control verification time and replay checking.
type VerifyOptions struct {
	NowMs        int64
	CheckReplay  bool
	ReplayWindow ReplayWindow
}

// Sign canonicalizes the envelope view without sig and signs it with signer.
func Sign(payload any, schema, topic string, signer Signer, opts SignOptions) (models.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("encode payload: %w", err)
	}
	ts := opts.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	ttl := opts.TTLMs
	if ttl == 0 {
		ttl = DefaultTTLMs
	}
	nonce := opts.Nonce
	if nonce == "" {
		nonce = randomNonce()
	}
	traceID := opts.TraceID
	if traceID == "" {
		traceID = fmt.Sprintf("trace-%d-%s", ts, randomHex(3))
	}
	env := models.Envelope{
		Schema:         schema,
		Topic:          topic,
		Version:        models.SchemaVersion(schema),
		TS:             ts,
		Nonce:          nonce,
		TTLMs:          ttl,
		Signer:         signer.PublicKeyHex(),
		TraceID:        traceID,
		PolicyRef:      opts.PolicyRef,
		SessionContext: opts.SessionContext,
		Payload:        raw,
	}
	view, err := SigningView(env)
	if err != nil {
		return models.Envelope{}, err
	}
	sig, err := signer.Sign(view)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("sign envelope: %w", err)
	}
	if len(sig) == 0 {
		return models.Envelope{}, fmt.Errorf("empty signature")
	}
	env.Sig = base64.StdEncoding.EncodeToString(sig)
	return env, nil
}

// SigningView renders the canonical byte view of the envelope minus sig.
func SigningView(env models.Envelope) ([]byte, error) {
	view := map[string]any{
		"schema":  env.Schema,
		"topic":   env.Topic,
		"version": env.Version,
		"ts":      env.TS,
		"nonce":   env.Nonce,
		"ttlMs":   env.TTLMs,
		"signer":  env.Signer,
		"traceId": env.TraceID,
	}
	if env.PolicyRef != "" {
		view["policyRef"] = env.PolicyRef
	}
	if env.SessionContext != nil {
		view["sessionContext"] = env.SessionContext
	}
	if len(env.Payload) > 0 {
		view["payload"] = env.Payload
	} else {
		view["payload"] = nil
	}
	canonical, err := CanonicalJSON(view)
	if err != nil {
		return nil, fmt.Errorf("signing view: %w", err)
	}
	return canonical, nil
}

// Verify checks the envelope in fixed order: schema/topic agreement, schema
// support, future timestamp against drift, expiry, replay, signer key shape,
// signature. Passing CheckReplay consumes the nonce even when later checks
// fail.
func Verify(env models.Envelope, opts VerifyOptions) Verdict {
	now := opts.NowMs
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	if env.Schema != env.Topic {
		return reject(ReasonSchemaTopicMismatch)
	}
	if !models.IsKnownSchema(env.Schema) {
		return reject(ReasonUnsupportedSchemaOrTopic)
	}
	if env.TS-MaxClockDriftMs > now {
		return reject(ReasonFutureTimestamp)
	}
	if env.TS+env.TTLMs < now {
		return reject(ReasonExpired)
	}
	if opts.CheckReplay {
		if opts.ReplayWindow == nil || !opts.ReplayWindow.Consume(env.Nonce, env.TS+env.TTLMs, now) {
			return reject(ReasonReplayedNonce)
		}
	}
	if !signerPubKeyPattern.MatchString(env.Signer) {
		return reject(ReasonInvalidSignerPubkey)
	}
	pub, err := hex.DecodeString(env.Signer)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return reject(ReasonInvalidSignerPubkey)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Sig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return reject(ReasonInvalidSignatureEncoding)
	}
	view, err := SigningView(env)
	if err != nil {
		return reject(ReasonSignatureMismatch)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), view, sig) {
		return reject(ReasonSignatureMismatch)
	}
	return Verdict{OK: true}
}

// DecodeEnvelope parses raw bytes into an envelope, requiring the mandatory
// fields and the version matching the schema plane.
func DecodeEnvelope(raw []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Schema == "" || env.Topic == "" {
		return models.Envelope{}, fmt.Errorf("decode envelope: missing schema or topic")
	}
	if env.Version != models.SchemaVersion(env.Schema) {
		return models.Envelope{}, fmt.Errorf("decode envelope: unexpected version %q for %s", env.Version, env.Schema)
	}
	if env.TS <= 0 || env.TTLMs <= 0 {
		return models.Envelope{}, fmt.Errorf("decode envelope: invalid ts or ttl")
	}
	if env.Nonce == "" || env.Signer == "" || env.Sig == "" || env.TraceID == "" {
		return models.Envelope{}, fmt.Errorf("decode envelope: missing nonce, signer, sig or traceId")
	}
	return env, nil
}

// EncodeEnvelope renders an envelope to wire bytes.
func EncodeEnvelope(env models.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// RandomHex returns n random bytes hex encoded. Panics when the system
// entropy source fails.
func RandomHex(n int) string {
	return randomHex(n)
}

func randomNonce() string {
	return uuid.NewString()
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for nonce generation
		panic(err)
	}
	return hex.EncodeToString(buf)
}
