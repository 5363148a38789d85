// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package peimage

import (
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// Windows certificate revisions.
const (
	// WinCertRevision1 is the legacy version of the Win_Certificate structure.
	WinCertRevision1 = 0x0100

	// WinCertRevision2 is the current version of the Win_Certificate structure.
	WinCertRevision2 = 0x0200
)

// Windows certificate types.
const (
	// WinCertTypeX509 indicates bCertificate contains an X.509 Certificate.
	WinCertTypeX509 = 0x0001

	// WinCertTypePKCSSignedData indicates bCertificate contains a PKCS
	// SignedData structure.
	WinCertTypePKCSSignedData = 0x0002

	// WinCertTypeTSStackSigned indicates bCertificate contains
	// PKCS1_MODULE_SIGN fields.
	WinCertTypeTSStackSigned = 0x0004
)

var (
	// ErrSecurityDataDirInvalid is reported when the certificate directory
	// offset or size does not fit inside the file.
	ErrSecurityDataDirInvalid = errors.New(
		"invalid certificate information: offset/size outside the file")
)

// WinCertificate is the WIN_CERTIFICATE header that prefixes the
// Authenticode blob in the certificate directory. Unusually among the
// data directories, the directory's "VA" here is a RAW file offset.
type WinCertificate struct {
	Length          uint32 `json:"length"`
	Revision        uint16 `json:"revision"`
	CertificateType uint16 `json:"certificate_type"`
}

// SignerInfo is the diagnostic slice of one certificate in the signing
// chain. No validation is attempted; the analyzer only surfaces who
// claims to have signed the image.
type SignerInfo struct {
	SerialNumber string `json:"serial_number"`
	Issuer       string `json:"issuer"`
	Subject      string `json:"subject"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
}

// Certificate holds the raw WIN_CERTIFICATE header plus the signer list
// decoded from its PKCS#7 payload.
type Certificate struct {
	Header  WinCertificate `json:"header"`
	Raw     []byte         `json:"-"`
	Signers []SignerInfo   `json:"signers,omitempty"`
}

// parseSecurityDirectory records the certificate directory's contents and
// decodes the PKCS#7 SignedData blob for its signer list. The offset
// parameter is a RAW file offset, not an RVA; signature verification is
// out of scope, so a blob that fails to decode is a recoverable
// condition, not an error.
func (pe *ParsedImage) parseSecurityDirectory(offset, size uint32) error {
	certHeader := WinCertificate{}
	certSize := uint32(binary.Size(certHeader))

	if offset+certSize > pe.size {
		return ErrSecurityDataDirInvalid
	}
	if err := pe.structUnpack(&certHeader, offset, certSize); err != nil {
		return err
	}
	if certHeader.Length <= certSize || offset+certHeader.Length > pe.size {
		return ErrSecurityDataDirInvalid
	}

	cert := Certificate{
		Header: certHeader,
		Raw:    pe.data[offset+certSize : offset+certHeader.Length],
	}

	if certHeader.CertificateType == WinCertTypePKCSSignedData {
		if signers, err := decodeSigners(cert.Raw); err != nil {
			pe.logger.Warnf("failed to decode PKCS#7 signed data: %v", err)
		} else {
			cert.Signers = signers
			pe.IsSigned = true
		}
	}

	pe.Certificates = cert
	pe.HasCertificate = true
	return nil
}

// decodeSigners parses an Authenticode PKCS#7 blob and flattens its
// certificate chain into display records.
func decodeSigners(raw []byte) ([]SignerInfo, error) {
	pkcs, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, err
	}

	var signers []SignerInfo
	for _, cert := range pkcs.Certificates {
		signers = append(signers, signerInfo(cert))
	}
	if len(signers) == 0 {
		return nil, errors.New("signed data carries no certificates")
	}
	return signers, nil
}

func signerInfo(cert *x509.Certificate) SignerInfo {
	const layout = "2006-01-02 15:04:05"
	return SignerInfo{
		SerialNumber: fmt.Sprintf("%x", cert.SerialNumber),
		Issuer:       cert.Issuer.String(),
		Subject:      cert.Subject.String(),
		NotBefore:    cert.NotBefore.UTC().Format(layout),
		NotAfter:     cert.NotAfter.UTC().Format(layout),
	}
}
