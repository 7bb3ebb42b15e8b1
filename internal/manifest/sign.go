package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

var ErrSignature = errors.New("manifest signature does not verify")

// Sign records the signer in m and returns the manifest bytes together with
// an RS256 JWS over exactly those bytes.
func Sign(m *Manifest, privateKeyPEM, certPEM []byte, sigFile string) ([]byte, JWS, error) {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return nil, JWS{}, err
	}
	m.Signature = &Signature{
		Type:          "jws-detached",
		CertSubject:   cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		SignatureFile: sigFile,
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, JWS{}, err
	}
	jws, err := SignDetachedJWS(payload, privateKeyPEM)
	if err != nil {
		return nil, JWS{}, err
	}
	return payload, jws, nil
}

var b64 = base64.RawURLEncoding

// rs256Header is the protected header of every signature this package makes.
var rs256Header = b64.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))

func signingDigest(protected, payload string) []byte {
	h := sha256.Sum256([]byte(protected + "." + payload))
	return h[:]
}

// SignDetachedJWS signs payload with an RSA key (PKCS#1 or PKCS#8 PEM).
func SignDetachedJWS(payload []byte, privateKeyPEM []byte) (JWS, error) {
	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	jws := JWS{Protected: rs256Header, Payload: b64.EncodeToString(payload)}
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, signingDigest(jws.Protected, jws.Payload))
	if err != nil {
		return JWS{}, err
	}
	jws.Signature = b64.EncodeToString(sig)
	return jws, nil
}

// VerifyDetachedJWS checks that jws signs payload with the key of the PEM
// certificate.
func VerifyDetachedJWS(payload []byte, jws JWS, certPEM []byte) error {
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("certificate key is %T, want RSA", cert.PublicKey)
	}
	if jws.Payload != b64.EncodeToString(payload) {
		return fmt.Errorf("%w: payload differs", ErrSignature)
	}
	sig, err := b64.DecodeString(jws.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, signingDigest(jws.Protected, jws.Payload), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", key)
	}
	return rsaKey, nil
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("parse cert: no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
