package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
)

// signedMessageDomain is the SEP-0053 domain separator. Framing a payload
// under it guarantees a signed order can never double as a signed ledger
// transaction.
const signedMessageDomain = "Stellar Signed Message:\n"

// MessageType distinguishes application payloads under the shared domain.
type MessageType string

const (
	MessageTypeOrder  MessageType = "darkpool-order/v1"
	MessageTypeCancel MessageType = "darkpool-cancel/v1"
)

// Digest frames payload as domain_tag || type_tag || uvarint(len) || payload
// and hashes the result with SHA-256.
func Digest(msgType MessageType, payload []byte) [32]byte {
	buf := make([]byte, 0, len(signedMessageDomain)+len(msgType)+binary.MaxVarintLen64+len(payload))
	buf = append(buf, signedMessageDomain...)
	buf = append(buf, msgType...)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	return sha256.Sum256(buf)
}

// VerifyOrderSignature checks sig (base64, 64 bytes) against the order's
// canonical digest and the Ed25519 key encoded in the order's user address.
func VerifyOrderSignature(o *core.Order, sig string) error {
	return verify(o.UserAddress, MessageTypeOrder, CanonicalOrder(o), sig)
}

// VerifyCancelSignature checks the cancel envelope's signature.
func VerifyCancelSignature(c *core.CancelRequest) error {
	return verify(c.UserAddress, MessageTypeCancel, CanonicalCancel(c), c.Signature)
}

func verify(address string, msgType MessageType, payload []byte, sig string) error {
	pub, err := strkey.Decode(strkey.VersionByteAccountID, address)
	if err != nil {
		return core.Wrap(core.KindAuthFailure, err, "bad address %q", address)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return core.Wrap(core.KindAuthFailure, err, "signature is not valid base64")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return core.Errorf(core.KindAuthFailure, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(sigBytes))
	}
	digest := Digest(msgType, payload)
	if !ed25519.Verify(ed25519.PublicKey(pub), digest[:], sigBytes) {
		return core.Errorf(core.KindAuthFailure, "signature does not verify for %s", address)
	}
	return nil
}

// Signer wraps the engine's ephemeral Stellar keypair. The key signs
// settlement transactions and, in tooling, SEP-0053 messages.
type Signer struct {
	kp *keypair.Full
}

// NewSigner parses an S... secret seed.
func NewSigner(seed string) (*Signer, error) {
	kp, err := keypair.ParseFull(seed)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return &Signer{kp: kp}, nil
}

// GenerateSigner creates a fresh random keypair.
func GenerateSigner() (*Signer, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Signer{kp: kp}, nil
}

// Address returns the G... public address.
func (s *Signer) Address() string { return s.kp.Address() }

// Keypair exposes the underlying keypair for transaction signing.
func (s *Signer) Keypair() *keypair.Full { return s.kp }

// Seed returns the secret seed. Keep it out of logs.
func (s *Signer) Seed() string { return s.kp.Seed() }

// SignMessage signs a framed payload and returns the base64 signature.
// This is the client-side counterpart of VerifyOrderSignature.
func (s *Signer) SignMessage(msgType MessageType, payload []byte) (string, error) {
	digest := Digest(msgType, payload)
	sig, err := s.kp.Sign(digest[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SignOrder produces the base64 signature a client submits with an order.
func (s *Signer) SignOrder(o *core.Order) (string, error) {
	return s.SignMessage(MessageTypeOrder, CanonicalOrder(o))
}

// SignCancel produces the base64 signature for a cancel envelope.
func (s *Signer) SignCancel(c *core.CancelRequest) (string, error) {
	return s.SignMessage(MessageTypeCancel, CanonicalCancel(c))
}
