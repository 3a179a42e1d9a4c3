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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/coreos/go-semver/semver"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/trussed-dev/go-trussed/dfu"
)

// packedVersion182 is 1.8.2 in the 10/16/6-bit firmware version
// encoding.
const packedVersion182 = 1<<22 | 8<<6 | 2

type imageSigner struct {
	key      *ecdsa.PrivateKey
	sigKey   SignatureKey
	official bool
}

func newImageSigner(t *testing.T, name string, official bool) *imageSigner {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return &imageSigner{
		key: key,
		sigKey: SignatureKey{
			Name:     name,
			Official: official,
			DER:      hex.EncodeToString(der),
		},
	}
}

// sign produces a signature over message with both halves little-endian.
func (s *imageSigner) sign(t *testing.T, message []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(message)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])
	copy(sig[:32], reverse(sig[:32]))
	copy(sig[32:], reverse(sig[32:]))
	return sig
}

// commandBytes serializes a command the way it travels inside a packet,
// which is the message an init packet signature covers.
func commandBytes(t *testing.T, cmd *dfu.Command) []byte {
	t.Helper()
	data, err := (&dfu.Packet{Command: cmd}).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	_, _, tagLen := protowire.ConsumeTag(data)
	sub, n := protowire.ConsumeBytes(data[tagLen:])
	if n < 0 {
		t.Fatalf("ConsumeBytes: %v", protowire.ParseError(n))
	}
	return sub
}

func initCommandFor(firmware []byte) *dfu.Command {
	digest := sha256.Sum256(firmware)
	return &dfu.Command{
		Op: dfu.OpInit,
		Init: &dfu.InitCommand{
			FwVersion: packedVersion182,
			HwVersion: 52,
			Type:      dfu.FwApplication,
			AppSize:   uint32(len(firmware)),
			Hash: &dfu.Hash{
				Type:   dfu.HashSHA256,
				Digest: reverse(digest[:]),
			},
		},
	}
}

// buildImage assembles a signed firmware image archive.
func buildImage(t *testing.T, signer *imageSigner, firmware []byte, mutate func(cmd *dfu.Command)) []byte {
	t.Helper()

	cmd := initCommandFor(firmware)
	if mutate != nil {
		mutate(cmd)
	}

	packet := &dfu.Packet{
		SignedCommand: &dfu.SignedCommand{
			Command:       cmd,
			SignatureType: dfu.SignatureECDSAP256SHA256,
			Signature:     signer.sign(t, commandBytes(t, cmd)),
		},
	}
	initPacket, err := packet.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	return buildZip(t, map[string][]byte{
		imageManifestName: []byte(`{"manifest": {"application": {"bin_file": "firmware.bin", "dat_file": "firmware.dat"}}}`),
		"firmware.dat":    initPacket,
		"firmware.bin":    firmware,
	})
}

func TestParseImage(t *testing.T) {
	signer := newImageSigner(t, "Test Vendor", true)
	firmware := []byte("firmware binary contents")
	data := buildImage(t, signer, firmware, nil)

	image, err := ParseImage(data, []SignatureKey{signer.sigKey})
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if image.SignedBy != "Test Vendor" || !image.SignedByVendor {
		t.Errorf("Got SignedBy %q (vendor %t), want Test Vendor (vendor true)", image.SignedBy, image.SignedByVendor)
	}
	if string(image.Firmware) != string(firmware) {
		t.Errorf("Got firmware %q", image.Firmware)
	}
	if init := image.Packet.InitCommand(); init == nil || init.FwVersion != packedVersion182 {
		t.Errorf("Got init command %+v", init)
	}
}

func TestParseImageUnknownKey(t *testing.T) {
	signer := newImageSigner(t, "Test Vendor", true)
	other := newImageSigner(t, "Other", true)
	data := buildImage(t, signer, []byte("firmware"), nil)

	image, err := ParseImage(data, []SignatureKey{other.sigKey})
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if image.SignedBy != "" || image.SignedByVendor {
		t.Errorf("Got SignedBy %q (vendor %t), want unsigned", image.SignedBy, image.SignedByVendor)
	}
}

func TestParseImageRejects(t *testing.T) {
	signer := newImageSigner(t, "Test Vendor", true)
	firmware := []byte("firmware binary contents")

	for _, test := range []struct {
		name  string
		build func(t *testing.T) []byte
	}{
		{
			name: "hash mismatch",
			build: func(t *testing.T) []byte {
				return buildImage(t, signer, firmware, func(cmd *dfu.Command) {
					cmd.Init.Hash.Digest = reverse(make([]byte, 32))
				})
			},
		}, {
			name: "app size mismatch",
			build: func(t *testing.T) []byte {
				return buildImage(t, signer, firmware, func(cmd *dfu.Command) {
					cmd.Init.AppSize++
				})
			},
		}, {
			name: "missing firmware hash",
			build: func(t *testing.T) []byte {
				return buildImage(t, signer, firmware, func(cmd *dfu.Command) {
					cmd.Init.Hash = nil
				})
			},
		}, {
			name: "reset instead of init command",
			build: func(t *testing.T) []byte {
				cmd := &dfu.Command{Op: dfu.OpReset, Reset: &dfu.ResetCommand{Timeout: 10}}
				packet := &dfu.Packet{Command: cmd}
				initPacket, err := packet.MarshalBinary()
				if err != nil {
					t.Fatalf("MarshalBinary: %v", err)
				}
				return buildZip(t, map[string][]byte{
					imageManifestName: []byte(`{"manifest": {"application": {"bin_file": "firmware.bin", "dat_file": "firmware.dat"}}}`),
					"firmware.dat":    initPacket,
					"firmware.bin":    firmware,
				})
			},
		}, {
			name: "manifest without application files",
			build: func(t *testing.T) []byte {
				return buildZip(t, map[string][]byte{
					imageManifestName: []byte(`{"manifest": {}}`),
				})
			},
		}, {
			name: "not a zip",
			build: func(t *testing.T) []byte {
				return []byte("not a zip archive")
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseImage(test.build(t), []SignatureKey{signer.sigKey})
			var malformedErr *MalformedError
			if !errors.As(err, &malformedErr) {
				t.Fatalf("Got err %v, want MalformedError", err)
			}
		})
	}
}

func TestValidateImage(t *testing.T) {
	official := newImageSigner(t, "Vendor", true)
	test := newImageSigner(t, "Vendor Test", false)
	firmware := []byte("firmware binary contents")
	release := semver.Version{Major: 1, Minor: 8, Patch: 2}

	t.Run("official signature", func(t *testing.T) {
		data := buildImage(t, official, firmware, nil)
		metadata, err := ValidateImage(VariantNRF52, data, &release, []SignatureKey{official.sigKey, test.sigKey})
		if err != nil {
			t.Fatalf("ValidateImage: %v", err)
		}
		if metadata.Version.String() != "1.8.2" || metadata.SignedBy != "Vendor" || !metadata.SignedByVendor {
			t.Errorf("Got metadata %+v", metadata)
		}
	})

	t.Run("test signature rejected", func(t *testing.T) {
		data := buildImage(t, test, firmware, nil)
		if _, err := ValidateImage(VariantNRF52, data, &release, []SignatureKey{official.sigKey, test.sigKey}); err == nil {
			t.Fatal("Got nil error for unofficial signature")
		}
	})

	t.Run("unknown signature rejected", func(t *testing.T) {
		data := buildImage(t, official, firmware, nil)
		if _, err := ValidateImage(VariantNRF52, data, &release, []SignatureKey{test.sigKey}); err == nil {
			t.Fatal("Got nil error for unknown signature")
		}
	})

	t.Run("release version mismatch", func(t *testing.T) {
		data := buildImage(t, official, firmware, nil)
		wrong := semver.Version{Major: 1, Minor: 9}
		if _, err := ValidateImage(VariantNRF52, data, &wrong, []SignatureKey{official.sigKey}); err == nil {
			t.Fatal("Got nil error for version mismatch")
		}
	})

	t.Run("lpc55 unsupported", func(t *testing.T) {
		var variantErr *UnsupportedVariantError
		if _, err := ValidateImage(VariantLPC55, nil, nil, nil); !errors.As(err, &variantErr) {
			t.Fatalf("Got err %v, want UnsupportedVariantError", err)
		}
	})
}
