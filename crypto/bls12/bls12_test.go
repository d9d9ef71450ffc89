package bls12

import (
	"bytes"
	"crypto/sha256"
	"path/filepath"
	"testing"
)

func testDigest(s string) []byte {
	d := sha256.Sum256([]byte(s))
	return d[:]
}

func TestSignVerify(t *testing.T) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	digest := testDigest("proposal")

	sig, err := Sign(priv, digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(priv.Public(), digest, sig) {
		t.Error("signature did not verify")
	}
	if Verify(priv.Public(), testDigest("other"), sig) {
		t.Error("signature verified against the wrong digest")
	}

	other, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	if Verify(other.Public(), digest, sig) {
		t.Error("signature verified against the wrong key")
	}
}

func TestAggregateVerify(t *testing.T) {
	digest := testDigest("proposal")
	agg := NewAggregateSignature()
	var pubs []*PublicKey
	for i := 0; i < 3; i++ {
		priv := PrivateKeyFromSeed([]byte{byte(i + 1)})
		sig, err := Sign(priv, digest)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		agg.Aggregate(sig)
		pubs = append(pubs, priv.Public())
	}

	if !VerifyAggregate(pubs, digest, agg) {
		t.Error("aggregate did not verify against the full key subset")
	}
	if VerifyAggregate(pubs[:2], digest, agg) {
		t.Error("aggregate verified against a smaller key subset")
	}
	if VerifyAggregate(pubs, testDigest("other"), agg) {
		t.Error("aggregate verified against the wrong digest")
	}
}

func TestAggregateBytesRoundtrip(t *testing.T) {
	digest := testDigest("proposal")
	agg := NewAggregateSignature()
	priv := PrivateKeyFromSeed([]byte{7})
	sig, err := Sign(priv, digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	agg.Aggregate(sig)

	restored, err := AggregateFromBytes(agg.ToBytes())
	if err != nil {
		t.Fatalf("AggregateFromBytes failed: %v", err)
	}
	if !bytes.Equal(restored.ToBytes(), agg.ToBytes()) {
		t.Error("aggregate changed across a byte roundtrip")
	}
	if !VerifyAggregate([]*PublicKey{priv.Public()}, digest, restored) {
		t.Error("restored aggregate did not verify")
	}
}

func TestPrivateKeyFromSeedIsDeterministic(t *testing.T) {
	a := PrivateKeyFromSeed([]byte{1, 2, 3})
	b := PrivateKeyFromSeed([]byte{1, 2, 3})
	if !bytes.Equal(a.ToBytes(), b.ToBytes()) {
		t.Error("same seed produced different keys")
	}
	c := PrivateKeyFromSeed([]byte{3, 2, 1})
	if bytes.Equal(a.ToBytes(), c.ToBytes()) {
		t.Error("different seeds produced the same key")
	}
}

func TestKeyFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}

	privPath := filepath.Join(dir, "test.key")
	pubPath := filepath.Join(dir, "test.pub")
	if err := WritePrivateKeyFile(priv, privPath); err != nil {
		t.Fatalf("WritePrivateKeyFile failed: %v", err)
	}
	if err := WritePublicKeyFile(priv.Public(), pubPath); err != nil {
		t.Fatalf("WritePublicKeyFile failed: %v", err)
	}

	gotPriv, err := ReadPrivateKeyFile(privPath)
	if err != nil {
		t.Fatalf("ReadPrivateKeyFile failed: %v", err)
	}
	if !bytes.Equal(gotPriv.ToBytes(), priv.ToBytes()) {
		t.Error("private key changed across a file roundtrip")
	}

	gotPub, err := ReadPublicKeyFile(pubPath)
	if err != nil {
		t.Fatalf("ReadPublicKeyFile failed: %v", err)
	}
	if !gotPub.Equal(priv.Public()) {
		t.Error("public key changed across a file roundtrip")
	}

	// key files are not interchangeable
	if _, err := ReadPrivateKeyFile(pubPath); err == nil {
		t.Error("public key file was accepted as a private key")
	}
}
