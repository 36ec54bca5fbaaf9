/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package testutils

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/vpnkit/vpn-connection-core/vpncore/common/errors"
)

// TestPKI is a CA with one server and one client certificate, all PEM
// encoded, for mutually authenticated TLS tests.
type TestPKI struct {
	CACertificatePEM     string
	ServerCertificatePEM string
	ServerPrivateKeyPEM  string
	ClientCertificatePEM string
	ClientPrivateKeyPEM  string
}

// GenerateTestPKI creates a TestPKI with a server certificate valid for
// serverName.
func GenerateTestPKI(serverName string) (*TestPKI, error) {

	caPublicKey, caPrivateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Trace(err)
	}

	caTemplate := certificateTemplate("Test CA")
	caTemplate.IsCA = true
	caTemplate.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	caTemplate.MaxPathLen = 1

	caDER, err := x509.CreateCertificate(
		rand.Reader, caTemplate, caTemplate, caPublicKey, caPrivateKey)
	if err != nil {
		return nil, errors.Trace(err)
	}
	caCertificate, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, errors.Trace(err)
	}

	issue := func(
		commonName string,
		usage x509.ExtKeyUsage,
		dnsNames []string) (string, string, error) {

		publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", errors.Trace(err)
		}
		template := certificateTemplate(commonName)
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{usage}
		template.DNSNames = dnsNames
		der, err := x509.CreateCertificate(
			rand.Reader, template, caCertificate, publicKey, caPrivateKey)
		if err != nil {
			return "", "", errors.Trace(err)
		}
		keyPEM, err := encodePrivateKey(privateKey)
		if err != nil {
			return "", "", errors.Trace(err)
		}
		return encodeCertificate(der), keyPEM, nil
	}

	pki := &TestPKI{CACertificatePEM: encodeCertificate(caDER)}

	pki.ServerCertificatePEM, pki.ServerPrivateKeyPEM, err = issue(
		serverName, x509.ExtKeyUsageServerAuth, []string{serverName})
	if err != nil {
		return nil, errors.Trace(err)
	}

	pki.ClientCertificatePEM, pki.ClientPrivateKeyPEM, err = issue(
		"client", x509.ExtKeyUsageClientAuth, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return pki, nil
}

// GenerateWebServerCertificate creates a self-signed ECDSA P-256
// certificate for commonName. Browser ClientHellos do not offer Ed25519
// signatures, so servers that face mimicked hellos use this instead of
// TestPKI.
func GenerateWebServerCertificate(commonName string) (tls.Certificate, error) {

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}

	template := certificateTemplate(commonName)
	template.KeyUsage = x509.KeyUsageDigitalSignature
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	template.DNSNames = []string{commonName}

	der, err := x509.CreateCertificate(
		rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, errors.Trace(err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  privateKey,
	}, nil
}

func certificateTemplate(commonName string) *x509.Certificate {
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	notBefore := time.Now().Add(-1 * time.Hour).UTC()
	return &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(24 * time.Hour),
		BasicConstraintsValid: true,
	}
}

func encodeCertificate(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func encodePrivateKey(privateKey crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}
