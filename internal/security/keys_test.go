package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func ecKeyPEM(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	priv, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: priv})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))
}

func TestLoadPEM_Inline(t *testing.T) {
	priv, _ := ecKeyPEM(t)
	b, err := LoadPEM(priv)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !strings.Contains(string(b), "-----BEGIN") {
		t.Error("LoadPEM did not return PEM content")
	}
}

func TestLoadPEM_EscapedNewlines(t *testing.T) {
	priv, _ := ecKeyPEM(t)
	escaped := strings.ReplaceAll(priv, "\n", `\n`)
	signer, err := ParsePrivateKey(escaped)
	if err != nil {
		t.Fatalf("ParsePrivateKey escaped: %v", err)
	}
	if KeyAlg(signer.Public()) != "ES256" {
		t.Errorf("KeyAlg = %q, want ES256", KeyAlg(signer.Public()))
	}
}

func TestLoadPEM_FilePath(t *testing.T) {
	_, pub := ecKeyPEM(t)
	path := filepath.Join(t.TempDir(), "pub.pem")
	if err := os.WriteFile(path, []byte(pub), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	key, err := ParsePublicKey(path)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if KeyAlg(key) != "ES256" {
		t.Errorf("KeyAlg = %q, want ES256", KeyAlg(key))
	}
}

func TestLoadPEM_Empty(t *testing.T) {
	if _, err := LoadPEM("  "); err != ErrInvalidKey {
		t.Errorf("LoadPEM empty: want ErrInvalidKey, got %v", err)
	}
}

func TestParsePrivateKey_RSAPKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	p := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	signer, err := ParsePrivateKey(string(p))
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if KeyAlg(signer.Public()) != "RS256" {
		t.Errorf("KeyAlg = %q, want RS256", KeyAlg(signer.Public()))
	}
}

func TestParseKeys_InvalidBlocks(t *testing.T) {
	bad := "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"
	if _, err := ParsePrivateKey(bad); err == nil {
		t.Error("ParsePrivateKey certificate block: want error")
	}
	if _, err := ParsePublicKey(bad); err == nil {
		t.Error("ParsePublicKey certificate block: want error")
	}
	if _, err := ParsePublicKey("-----BEGIN garbage"); err != ErrInvalidKey {
		t.Errorf("ParsePublicKey garbage: want ErrInvalidKey, got %v", err)
	}
}
