package bls12

import (
	"encoding/pem"
	"fmt"
	"os"
)

const (
	// PrivateKeyFileType is the PEM type for a private key.
	PrivateKeyFileType = "QCCHAIN BLS12-381 PRIVATE KEY"

	// PublicKeyFileType is the PEM type for a public key.
	PublicKeyFileType = "QCCHAIN BLS12-381 PUBLIC KEY"
)

// WritePrivateKeyFile writes a private key to the specified file.
func WritePrivateKeyFile(key *PrivateKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	b := &pem.Block{
		Type:  PrivateKeyFileType,
		Bytes: key.ToBytes(),
	}
	return pem.Encode(f, b)
}

// WritePublicKeyFile writes a public key to the specified file.
func WritePublicKeyFile(key *PublicKey, filePath string) (err error) {
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	b := &pem.Block{
		Type:  PublicKeyFileType,
		Bytes: key.ToBytes(),
	}
	return pem.Encode(f, b)
}

// ReadPrivateKeyFile reads a private key from the specified file.
func ReadPrivateKeyFile(keyFile string) (*PrivateKey, error) {
	d, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	b, _ := pem.Decode(d)
	if b == nil {
		return nil, fmt.Errorf("bls12: no PEM block found in %s", keyFile)
	}
	if b.Type != PrivateKeyFileType {
		return nil, fmt.Errorf("bls12: %s contains a %q, expected a %q", keyFile, b.Type, PrivateKeyFileType)
	}

	key := &PrivateKey{}
	key.FromBytes(b.Bytes)
	return key, nil
}

// ReadPublicKeyFile reads a public key from the specified file.
func ReadPublicKeyFile(keyFile string) (*PublicKey, error) {
	d, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}

	b, _ := pem.Decode(d)
	if b == nil {
		return nil, fmt.Errorf("bls12: no PEM block found in %s", keyFile)
	}
	if b.Type != PublicKeyFileType {
		return nil, fmt.Errorf("bls12: %s contains a %q, expected a %q", keyFile, b.Type, PublicKeyFileType)
	}

	key := &PublicKey{}
	if err := key.FromBytes(b.Bytes); err != nil {
		return nil, err
	}
	return key, nil
}
