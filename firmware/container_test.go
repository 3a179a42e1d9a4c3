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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/trussed"
)

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

// buildContainer assembles a release container with a correct sha256sums
// index.  mutate may tamper with the files before the zip is built, but
// after the checksums are computed.
func buildContainer(t *testing.T, manifest string, images map[string][]byte, mutate func(files map[string][]byte)) []byte {
	t.Helper()
	files := map[string][]byte{containerManifestName: []byte(manifest)}
	for name, data := range images {
		files[name] = data
	}

	var sums bytes.Buffer
	for name, data := range files {
		digest := sha256.Sum256(data)
		fmt.Fprintf(&sums, "%s  %s\n", hex.EncodeToString(digest[:]), name)
	}
	files[checksumsName] = sums.Bytes()

	if mutate != nil {
		mutate(files)
	}
	return buildZip(t, files)
}

const nk3Manifest = `{
	"device": "nk3",
	"version": "v1.8.2",
	"sdk": "v0.2.0",
	"images": {"nrf52": "firmware-nk3-nrf52.zip"}
}`

func TestParseContainer(t *testing.T) {
	image := []byte("inner image bytes")
	data := buildContainer(t, nk3Manifest, map[string][]byte{"firmware-nk3-nrf52.zip": image}, nil)

	c, err := ParseContainer(data, trussed.NK3)
	if err != nil {
		t.Fatalf("ParseContainer: %v", err)
	}
	if want := "1.8.2"; c.Version.String() != want {
		t.Errorf("Got version %s, want %s", c.Version, want)
	}
	if want := "0.2.0"; c.MinSDK == nil || c.MinSDK.String() != want {
		t.Errorf("Got MinSDK %v, want %s", c.MinSDK, want)
	}
	got, err := c.Image(VariantNRF52)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if !bytes.Equal(got, image) {
		t.Errorf("Got image %q, want %q", got, image)
	}
	if _, err := c.Image(VariantLPC55); err == nil {
		t.Error("Got nil error for missing lpc55 image")
	}
}

func TestParseContainerRejects(t *testing.T) {
	image := []byte("inner image bytes")

	for _, test := range []struct {
		name        string
		manifest    string
		mutate      func(files map[string][]byte)
		model       trussed.Model
		wantVariant bool
		wantModel   string
	}{
		{
			name:     "tampered image",
			manifest: nk3Manifest,
			mutate: func(files map[string][]byte) {
				files["firmware-nk3-nrf52.zip"] = []byte("tampered")
			},
			model: trussed.NK3,
		}, {
			name:     "tampered manifest",
			manifest: nk3Manifest,
			mutate: func(files map[string][]byte) {
				files[containerManifestName] = append(files[containerManifestName], ' ')
			},
			model: trussed.NK3,
		}, {
			name:     "missing checksums index",
			manifest: nk3Manifest,
			mutate: func(files map[string][]byte) {
				delete(files, checksumsName)
			},
			model: trussed.NK3,
		}, {
			name: "image without checksum",
			manifest: `{
				"device": "nk3",
				"version": "v1.8.2",
				"images": {"nrf52": "extra.zip"}
			}`,
			mutate: func(files map[string][]byte) {
				files["extra.zip"] = []byte("never indexed")
			},
			model: trussed.NK3,
		}, {
			name:        "wrong device",
			manifest:    nk3Manifest,
			model:       trussed.NKPK,
			wantVariant: true,
			wantModel:   "nkpk",
		}, {
			name: "unknown image variant",
			manifest: `{
				"device": "nk3",
				"version": "v1.8.2",
				"images": {"stm32": "firmware-nk3-nrf52.zip"}
			}`,
			model:       trussed.NK3,
			wantVariant: true,
		}, {
			name: "unparseable version",
			manifest: `{
				"device": "nk3",
				"version": "latest",
				"images": {}
			}`,
			model: trussed.NK3,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			data := buildContainer(t, test.manifest, map[string][]byte{"firmware-nk3-nrf52.zip": image}, test.mutate)
			_, err := ParseContainer(data, test.model)
			if err == nil {
				t.Fatal("Got nil error")
			}
			if test.wantVariant {
				var variantErr *UnsupportedVariantError
				if !errors.As(err, &variantErr) {
					t.Fatalf("Got err %v, want UnsupportedVariantError", err)
				}
				if variantErr.Want != test.wantModel {
					t.Fatalf("Got expected model %q, want %q", variantErr.Want, test.wantModel)
				}
			} else {
				var malformedErr *MalformedError
				if !errors.As(err, &malformedErr) {
					t.Fatalf("Got err %v, want MalformedError", err)
				}
			}
		})
	}
}

func TestCheckSDKVersion(t *testing.T) {
	newer := SDKVersion
	newer.Minor++

	for _, test := range []struct {
		name      string
		container Container
		wantErr   bool
	}{
		{
			name:      "no requirement",
			container: Container{},
		}, {
			name:      "requirement satisfied",
			container: Container{MinSDK: &semver.Version{Major: 0, Minor: 1}},
		}, {
			name:      "requirement exceeds SDK",
			container: Container{MinSDK: &newer},
			wantErr:   true,
		}, {
			name:      "legacy tool requirement satisfied",
			container: Container{minLegacyTool: &semver.Version{Minor: 4, Patch: 40}},
		}, {
			name:      "legacy tool requirement exceeded",
			container: Container{minLegacyTool: &semver.Version{Minor: 4, Patch: 50}},
			wantErr:   true,
		}, {
			name: "sdk requirement overrides legacy tool",
			container: Container{
				MinSDK:        &semver.Version{Major: 0, Minor: 1},
				minLegacyTool: &semver.Version{Minor: 9},
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := test.container.CheckSDKVersion()
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got err %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr && !errors.Is(err, ErrVersionTooLow) {
				t.Fatalf("Got err %v, want ErrVersionTooLow", err)
			}
		})
	}
}
