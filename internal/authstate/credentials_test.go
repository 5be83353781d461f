package authstate

import (
	"bytes"
	"reflect"
	"testing"

	"go.mau.fi/libsignal/ecc"
	"golang.org/x/crypto/curve25519"
)

func TestInitCredentials(t *testing.T) {
	c, err := InitCredentials()
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if c.RegistrationID > 16383 {
		t.Fatalf("registration id %d exceeds 14 bits", c.RegistrationID)
	}
	if c.Registered || c.Me != nil {
		t.Fatal("fresh credentials must be unpaired")
	}
	if c.NextPreKeyID != 1 || c.FirstUnuploadedPreKeyID != 1 {
		t.Fatalf("unexpected pre-key counters %d/%d", c.NextPreKeyID, c.FirstUnuploadedPreKeyID)
	}
	for name, kp := range map[string]KeyPair{
		"noise":     c.NoiseKey,
		"ephemeral": c.PairingEphemeralKeyPair,
		"identity":  c.SignedIdentityKey,
		"pre-key":   c.SignedPreKey.KeyPair,
	} {
		pub, err := curve25519.X25519(kp.Private, curve25519.Basepoint)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(pub, kp.Public) {
			t.Fatalf("%s: public key does not match private key", name)
		}
	}

	other, err := InitCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(c.NoiseKey.Private, other.NoiseKey.Private) {
		t.Fatal("two identities share a noise key")
	}
}

func TestSignedPreKeyVerifies(t *testing.T) {
	identity, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := SignKeyPair(identity, 5)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if spk.KeyID != 5 || len(spk.Signature) != 64 {
		t.Fatalf("unexpected signed pre-key %+v", spk)
	}

	var pub [32]byte
	copy(pub[:], identity.Public)
	var sig [64]byte
	copy(sig[:], spk.Signature)
	msg := append([]byte{djbType}, spk.KeyPair.Public...)
	if !ecc.VerifySignature(ecc.NewDjbECPublicKey(pub), msg, sig) {
		t.Fatal("signature does not verify against the identity key")
	}

	if _, err := SignKeyPair(KeyPair{Private: []byte{1}}, 1); err == nil {
		t.Fatal("expected error for short identity key")
	}
}

func TestCredentialsClone(t *testing.T) {
	c, err := InitCredentials()
	if err != nil {
		t.Fatal(err)
	}
	c.Account = Document{"details": []byte{1, 2}, "accountSignature": []byte{3}}
	clone, err := c.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if !reflect.DeepEqual(clone, c) {
		t.Fatalf("clone differs: %+v", clone)
	}
	clone.NoiseKey.Private[0] ^= 0xff
	if bytes.Equal(clone.NoiseKey.Private, c.NoiseKey.Private) {
		t.Fatal("clone shares key memory with the original")
	}
}

func TestKeySetApplyAndMerge(t *testing.T) {
	ks := KeySet{}
	ks.Apply(KeyUpdates{CategoryPreKey: {"1": []byte{1}, "2": []byte{2}}})
	ks.Apply(KeyUpdates{CategoryPreKey: {"1": nil, "3": []byte(nil)}, CategorySession: {"x": nil}})
	if !reflect.DeepEqual(ks, KeySet{CategoryPreKey: {"2": []byte{2}}}) {
		t.Fatalf("got %v", ks)
	}
	ks.Apply(KeyUpdates{CategoryPreKey: {"2": nil}})
	if len(ks) != 0 {
		t.Fatalf("empty category kept: %v", ks)
	}

	older := KeyUpdates{CategoryPreKey: {"1": []byte{1}, "2": []byte{2}}}
	newer := KeyUpdates{CategoryPreKey: {"1": nil}, CategorySenderKey: {"g": []byte{3}}}
	merged := older.Merge(newer)
	want := KeyUpdates{
		CategoryPreKey:    {"1": nil, "2": []byte{2}},
		CategorySenderKey: {"g": []byte{3}},
	}
	if !reflect.DeepEqual(merged, want) {
		t.Fatalf("merged %v", merged)
	}
	if merged.Len() != 3 {
		t.Fatalf("len %d", merged.Len())
	}
	if _, ok := older[CategorySenderKey]; ok {
		t.Fatal("merge modified its receiver")
	}
	var none KeyUpdates
	if none.Merge(nil).Len() != 0 {
		t.Fatal("merging nothing must be empty")
	}
}

func TestCategoryKnown(t *testing.T) {
	if !CategoryAppStateSyncVersion.Known() {
		t.Fatal("app-state-sync-version should be known")
	}
	if Category("future-kind").Known() {
		t.Fatal("unexpected known category")
	}
}
