package passkey

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/fxamacker/cbor/v2"
)

const (
	AlgES256 = -7

	coseKtyEC2  = 2
	coseCrvP256 = 1

	flagUV = 0x04
	flagAT = 0x40

	authDataMinLen = 37 // rpIdHash(32) flags(1) signCount(4)
)

type attestationObject struct {
	Fmt      string          `cbor:"fmt"`
	AttStmt  cbor.RawMessage `cbor:"attStmt"`
	AuthData []byte          `cbor:"authData"`
}

type coseKey struct {
	Kty int    `cbor:"1,keyasint"`
	Alg int    `cbor:"3,keyasint"`
	Crv int    `cbor:"-1,keyasint"`
	X   []byte `cbor:"-2,keyasint"`
	Y   []byte `cbor:"-3,keyasint"`
}

// parseAttestation pulls the credential id and public key (as SPKI DER) out
// of a WebAuthn attestationObject. The attestation statement is not checked.
func parseAttestation(raw []byte) (rawID, spki []byte, alg int, err error) {
	var att attestationObject
	if err := cbor.Unmarshal(raw, &att); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: attestation object: %v", ErrMalformed, err)
	}
	ad := att.AuthData
	if len(ad) < authDataMinLen || ad[32]&flagAT == 0 {
		return nil, nil, 0, fmt.Errorf("%w: no attested credential data", ErrMalformed)
	}
	rest := ad[authDataMinLen:]
	if len(rest) < 18 {
		return nil, nil, 0, fmt.Errorf("%w: short attested credential data", ErrMalformed)
	}
	idLen := int(binary.BigEndian.Uint16(rest[16:18]))
	rest = rest[18:]
	if len(rest) < idLen {
		return nil, nil, 0, fmt.Errorf("%w: credential id overruns auth data", ErrMalformed)
	}
	rawID = append([]byte(nil), rest[:idLen]...)

	var key coseKey
	if err := cbor.NewDecoder(bytes.NewReader(rest[idLen:])).Decode(&key); err != nil {
		return nil, nil, 0, fmt.Errorf("%w: cose key: %v", ErrMalformed, err)
	}
	spki, err = coseToSPKI(key)
	if err != nil {
		return nil, nil, 0, err
	}
	return rawID, spki, key.Alg, nil
}

func coseToSPKI(k coseKey) ([]byte, error) {
	if k.Kty != coseKtyEC2 || k.Crv != coseCrvP256 || k.Alg != AlgES256 {
		return nil, ErrUnsupportedAlgorithm
	}
	if len(k.X) != 32 || len(k.Y) != 32 {
		return nil, fmt.Errorf("%w: bad coordinate length", ErrMalformed)
	}
	point := make([]byte, 0, 65)
	point = append(point, 0x04)
	point = append(point, k.X...)
	point = append(point, k.Y...)
	// rejects points off the curve
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(k.X),
		Y:     new(big.Int).SetBytes(k.Y),
	}
	return x509.MarshalPKIXPublicKey(pub)
}

func parseSPKI(der []byte) (*ecdsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrMalformed, err)
	}
	pub, ok := k.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrUnsupportedAlgorithm
	}
	return pub, nil
}
