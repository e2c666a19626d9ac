// Copyright 2026 The Realm Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/realm-foundation/realm/lib/identity"
)

// alpnProtocol is the ALPN token for the Realm mesh protocol.
// Version-suffixed so incompatible revisions refuse each other at the
// handshake instead of exchanging garbage frames.
const alpnProtocol = "realm/1"

// certLifetime is the validity window of the self-signed transport
// certificate. The certificate is regenerated at every agent start;
// its expiry only matters for connections that would outlive a year,
// which none do.
const certLifetime = 365 * 24 * time.Hour

// identityCertificate builds a self-signed TLS certificate whose
// subject key is the node's Ed25519 identity key. Peers do not trust
// the certificate chain — they extract the public key and derive the
// node ID from it, the same way the agent derives its own.
func identityCertificate(key ed25519.PrivateKey) (tls.Certificate, error) {
	public := key.Public().(ed25519.PublicKey)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating certificate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: identity.NodeIDFor(public)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, public, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("creating transport certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// peerNodeID extracts the node ID from a peer's leaf certificate.
// Rejects any certificate whose subject key is not Ed25519 — there is
// exactly one identity scheme in the mesh.
func peerNodeID(rawCerts [][]byte) (string, error) {
	if len(rawCerts) == 0 {
		return "", fmt.Errorf("peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("parsing peer certificate: %w", err)
	}
	public, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("peer certificate key is %T, want Ed25519", cert.PublicKey)
	}
	return identity.NodeIDFor(public), nil
}

// tlsConfig builds the mutual-authentication TLS configuration both
// sides of every connection use. Chain verification is disabled —
// certificates are self-signed identity carriers — and replaced by
// the Ed25519 key extraction in peerNodeID, enforced after the
// handshake by the connection setup path.
func tlsConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpnProtocol},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := peerNodeID(rawCerts)
			return err
		},
	}
}
