// Copyright 2024 The Trussed SDK authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package firmware

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/dfu"
	"github.com/trussed-dev/go-trussed/trussed"
)

const imageManifestName = "manifest.json"

// SignatureKey is a public key firmware images may be signed with.
type SignatureKey struct {
	Name     string
	Official bool
	// DER is the hex-encoded PKIX encoding of the public key.
	DER string
}

// Verify reports whether signature is a valid signature over message.
// ECDSA signatures carry both halves little-endian, following the
// Nordic signing convention.
func (k SignatureKey) Verify(sigType dfu.SignatureType, signature, message []byte) bool {
	der, err := hex.DecodeString(k.DER)
	if err != nil {
		return false
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return false
	}

	switch sigType {
	case dfu.SignatureECDSAP256SHA256:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok || len(signature) != 64 {
			return false
		}
		r := new(big.Int).SetBytes(reverse(signature[:32]))
		s := new(big.Int).SetBytes(reverse(signature[32:]))
		digest := sha256.Sum256(message)
		return ecdsa.Verify(key, digest[:], r, s)
	case dfu.SignatureED25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false
		}
		return ed25519.Verify(key, message, signature)
	}
	return false
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// Image is a parsed and internally consistent firmware image: the init
// packet and firmware binary from the image archive, with the packet's
// size and hash claims checked against the binary.
type Image struct {
	// Packet is the decoded init packet.
	Packet *dfu.Packet
	// InitPacket is the serialized init packet as transferred to the
	// bootloader.
	InitPacket []byte
	// Firmware is the firmware binary.
	Firmware []byte
	// SignedBy names the known key the init packet is signed with,
	// empty if the signature matches no known key or the packet is
	// unsigned.
	SignedBy string
	// SignedByVendor reports whether the matching key is an official
	// vendor key.
	SignedByVendor bool
}

type imageManifest struct {
	Manifest struct {
		Application struct {
			BinFile string `json:"bin_file"`
			DatFile string `json:"dat_file"`
		} `json:"application"`
	} `json:"manifest"`
}

// ParseImage parses a firmware image archive and validates its init
// packet against the contained binary and the given signature keys.
func ParseImage(data []byte, keys []SignatureKey) (*Image, error) {
	z, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	manifestBytes, err := readFile(z, imageManifestName)
	if err != nil {
		return nil, err
	}
	var manifest imageManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, malformedf(imageManifestName, "decoding manifest: %v", err)
	}
	app := manifest.Manifest.Application
	if app.DatFile == "" || app.BinFile == "" {
		return nil, malformedf(imageManifestName, "manifest names no application dat/bin files")
	}

	initPacket, err := readFile(z, app.DatFile)
	if err != nil {
		return nil, err
	}
	firmware, err := readFile(z, app.BinFile)
	if err != nil {
		return nil, err
	}

	packet, err := dfu.UnmarshalPacket(initPacket)
	if err != nil {
		return nil, &MalformedError{Path: app.DatFile, Err: err}
	}
	init := packet.InitCommand()
	if init == nil {
		return nil, malformedf(app.DatFile, "init packet carries no init command")
	}
	if err := init.Validate(); err != nil {
		return nil, &MalformedError{Path: app.DatFile, Err: err}
	}
	if init.AppSize != uint32(len(firmware)) {
		return nil, malformedf(app.BinFile, "firmware is %d bytes, init packet declares %d", len(firmware), init.AppSize)
	}
	if init.Hash == nil {
		return nil, malformedf(app.DatFile, "init packet carries no firmware hash")
	}
	// The init packet stores the digest byte-reversed.
	digest := sha256.Sum256(firmware)
	if !bytes.Equal(reverse(digest[:]), init.Hash.Digest) {
		return nil, malformedf(app.BinFile, "firmware hash mismatch")
	}

	image := &Image{
		Packet:     packet,
		InitPacket: initPacket,
		Firmware:   firmware,
	}
	if sc := packet.SignedCommand; sc != nil {
		for _, key := range keys {
			if key.Verify(sc.SignatureType, sc.Signature, sc.Raw()) {
				image.SignedBy = key.Name
				image.SignedByVendor = key.Official
				break
			}
		}
	}
	return image, nil
}

// ValidateImage parses the image for the given variant and enforces the
// release policy via Validate.  keys is typically
// SignatureKeys(model).
func ValidateImage(variant Variant, data []byte, version *semver.Version, keys []SignatureKey) (FirmwareMetadata, error) {
	if variant != VariantNRF52 {
		return FirmwareMetadata{}, &UnsupportedVariantError{Variant: string(variant)}
	}

	image, err := ParseImage(data, keys)
	if err != nil {
		return FirmwareMetadata{}, err
	}
	return image.Validate(version)
}

// Validate enforces the release policy on a parsed image: the image
// version must match the release version and the init packet must be
// signed with an official vendor key.
func (image *Image) Validate(version *semver.Version) (FirmwareMetadata, error) {
	metadata := FirmwareMetadata{
		Version:        trussed.VersionFromUint32(image.Packet.InitCommand().FwVersion),
		SignedBy:       image.SignedBy,
		SignedByVendor: image.SignedByVendor,
	}

	if version != nil {
		core := semver.Version{Major: version.Major, Minor: version.Minor, Patch: version.Patch}
		if !metadata.Version.Equal(core) {
			return metadata, fmt.Errorf("firmware: image for release %s reports product version %s", version, metadata.Version)
		}
	}
	if metadata.SignedBy == "" {
		return metadata, fmt.Errorf("firmware: image is not signed with a known key")
	}
	if !metadata.SignedByVendor {
		return metadata, fmt.Errorf("firmware: image is not signed with an official key (signed by: %s)", metadata.SignedBy)
	}
	return metadata, nil
}
