package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.mau.fi/libsignal/ecc"
	"golang.org/x/crypto/curve25519"
)

// djbType prefixes serialized Curve25519 public keys in Signal messages.
const djbType = 0x05

type KeyPair struct {
	Public  Buffer `json:"public"`
	Private Buffer `json:"private"`
}

type SignedKeyPair struct {
	KeyPair    KeyPair `json:"keyPair"`
	Signature  Buffer  `json:"signature"`
	KeyID      uint32  `json:"keyId"`
	TimestampS int64   `json:"timestampS,omitempty"`
}

type Contact struct {
	ID           string `json:"id"`
	LID          string `json:"lid,omitempty"`
	Name         string `json:"name,omitempty"`
	Notify       string `json:"notify,omitempty"`
	VerifiedName string `json:"verifiedName,omitempty"`
}

type SignalIdentity struct {
	Identifier struct {
		Name     string `json:"name"`
		DeviceID uint32 `json:"deviceId"`
	} `json:"identifier"`
	IdentifierKey Buffer `json:"identifierKey"`
}

type AccountSettings struct {
	UnarchiveChats bool     `json:"unarchiveChats"`
	DefaultMode    Document `json:"defaultDisappearingMode,omitempty"`
}

// Credentials is the long-lived identity of one WhatsApp Web session.
type Credentials struct {
	NoiseKey                 KeyPair          `json:"noiseKey"`
	PairingEphemeralKeyPair  KeyPair          `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey        KeyPair          `json:"signedIdentityKey"`
	SignedPreKey             SignedKeyPair    `json:"signedPreKey"`
	RegistrationID           uint32           `json:"registrationId"`
	AdvSecretKey             string           `json:"advSecretKey"`
	Me                       *Contact         `json:"me,omitempty"`
	Account                  Document         `json:"account,omitempty"`
	SignalIdentities         []SignalIdentity `json:"signalIdentities,omitempty"`
	MyAppStateKeyID          string           `json:"myAppStateKeyId,omitempty"`
	FirstUnuploadedPreKeyID  uint32           `json:"firstUnuploadedPreKeyId"`
	NextPreKeyID             uint32           `json:"nextPreKeyId"`
	LastAccountSyncTimestamp int64            `json:"lastAccountSyncTimestamp,omitempty"`
	Platform                 string           `json:"platform,omitempty"`
	ProcessedHistoryMessages []Document       `json:"processedHistoryMessages"`
	AccountSyncCounter       int              `json:"accountSyncCounter"`
	AccountSettings          AccountSettings  `json:"accountSettings"`
	Registered               bool             `json:"registered"`
	PairingCode              string           `json:"pairingCode,omitempty"`
	LastPropHash             string           `json:"lastPropHash,omitempty"`
	RoutingInfo              Buffer           `json:"routingInfo,omitempty"`
}

// CredentialsFactory creates the credentials of a session seen for the first time.
type CredentialsFactory func() (*Credentials, error)

// InitCredentials generates a fresh, unregistered identity.
func InitCredentials() (*Credentials, error) {
	noise, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	identity, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signedPreKey, err := SignKeyPair(identity, 1)
	if err != nil {
		return nil, err
	}
	regID, err := generateRegistrationID()
	if err != nil {
		return nil, err
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, errors.Wrap(err, "adv secret")
	}
	return &Credentials{
		NoiseKey:                 noise,
		PairingEphemeralKeyPair:  ephemeral,
		SignedIdentityKey:        identity,
		SignedPreKey:             signedPreKey,
		RegistrationID:           regID,
		AdvSecretKey:             base64.StdEncoding.EncodeToString(adv),
		ProcessedHistoryMessages: []Document{},
		FirstUnuploadedPreKeyID:  1,
		NextPreKeyID:             1,
	}, nil
}

// GenerateKeyPair returns a clamped Curve25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, errors.Wrap(err, "generate private key")
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, "derive public key")
	}
	return KeyPair{Public: pub, Private: priv[:]}, nil
}

// SignKeyPair creates a pre-key signed by the identity key (XEdDSA over the
// 0x05-prefixed public key).
func SignKeyPair(identity KeyPair, keyID uint32) (SignedKeyPair, error) {
	if len(identity.Private) != 32 {
		return SignedKeyPair{}, errors.Errorf("identity private key has %d bytes", len(identity.Private))
	}
	preKey, err := GenerateKeyPair()
	if err != nil {
		return SignedKeyPair{}, err
	}
	var priv [32]byte
	copy(priv[:], identity.Private)
	msg := append([]byte{djbType}, preKey.Public...)
	sig := ecc.CalculateSignature(ecc.NewDjbECPrivateKey(priv), msg)
	return SignedKeyPair{KeyPair: preKey, Signature: sig[:], KeyID: keyID}, nil
}

// generateRegistrationID returns a random 14-bit registration id.
func generateRegistrationID() (uint32, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "registration id")
	}
	return uint32(binary.LittleEndian.Uint16(b[:]) & 16383), nil
}

func marshalCredentials(c *Credentials) ([]byte, error) {
	return json.Marshal(c)
}

func unmarshalCredentials(data []byte) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Clone deep-copies c through its serialized form.
func (c *Credentials) Clone() (*Credentials, error) {
	if c == nil {
		return nil, nil
	}
	data, err := marshalCredentials(c)
	if err != nil {
		return nil, err
	}
	return unmarshalCredentials(data)
}
