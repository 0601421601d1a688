package certutil

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateServerCert(t *testing.T) {
	gc, err := GenerateServerCert(DefaultServerOptions("media-host"))
	if err != nil {
		t.Fatalf("GenerateServerCert() error = %v", err)
	}

	cert := gc.Certificate
	if cert.Subject.CommonName != "media-host" {
		t.Errorf("CommonName = %s", cert.Subject.CommonName)
	}
	if !cert.NotAfter.After(time.Now().Add(300 * 24 * time.Hour)) {
		t.Errorf("NotAfter = %v, want about a year out", cert.NotAfter)
	}

	foundLocalhost := false
	for _, name := range cert.DNSNames {
		if name == "localhost" {
			foundLocalhost = true
		}
	}
	if !foundLocalhost {
		t.Error("missing localhost SAN")
	}
	foundLoopback := false
	for _, ip := range cert.IPAddresses {
		if ip.Equal(net.ParseIP("127.0.0.1")) {
			foundLoopback = true
		}
	}
	if !foundLoopback {
		t.Error("missing loopback IP SAN")
	}

	if len(gc.Fingerprint()) != 64 {
		t.Errorf("Fingerprint() length = %d", len(gc.Fingerprint()))
	}

	// The PEM pair must load as a TLS certificate.
	if _, err := tls.X509KeyPair(gc.CertPEM, gc.KeyPEM); err != nil {
		t.Errorf("X509KeyPair() error = %v", err)
	}
}

func TestGenerateServerCertRequiresCommonName(t *testing.T) {
	if _, err := GenerateServerCert(CertOptions{}); err == nil {
		t.Fatal("GenerateServerCert() accepted an empty common name")
	}
}

func TestSaveToFiles(t *testing.T) {
	gc, err := GenerateServerCert(DefaultServerOptions("media-host"))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := gc.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles() error = %v", err)
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Errorf("LoadX509KeyPair() error = %v", err)
	}
}
