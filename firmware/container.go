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
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/trussed"
)

const (
	checksumsName         = "sha256sums"
	containerManifestName = "manifest.json"
)

// legacyToolVersion is the last release of the predecessor update tool
// before this SDK replaced it.  Containers that only declare a minimum
// version for that tool are gated against it.
var legacyToolVersion = semver.Version{Major: 0, Minor: 4, Patch: 49}

// Container is a parsed firmware release container.
type Container struct {
	Version *semver.Version
	// MinSDK is the minimum SDK version declared by the container,
	// nil if it declares none.
	MinSDK *semver.Version
	Model  trussed.Model
	Images map[Variant][]byte

	// minLegacyTool is the predecessor-tool version requirement,
	// only honored when MinSDK is absent.
	minLegacyTool *semver.Version
}

type containerManifest struct {
	Device     string            `json:"device"`
	Version    string            `json:"version"`
	SDK        string            `json:"sdk"`
	PyNitrokey string            `json:"pynitrokey"`
	Images     map[string]string `json:"images"`
}

// ParseContainer parses a release container for the given model.  Every
// file read out of the archive is validated against the sha256sums
// index; a container built for a different device is rejected with an
// UnsupportedVariantError.
func ParseContainer(data []byte, model trussed.Model) (*Container, error) {
	z, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &MalformedError{Err: err}
	}

	checksums, err := parseChecksums(z)
	if err != nil {
		return nil, err
	}

	manifestBytes, err := readVerified(z, checksums, containerManifestName)
	if err != nil {
		return nil, err
	}
	var manifest containerManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, malformedf(containerManifestName, "decoding manifest: %v", err)
	}

	actual, ok := modelFromName(manifest.Device)
	if !ok || actual != model {
		return nil, &UnsupportedVariantError{Variant: manifest.Device, Want: modelName(model)}
	}

	version, err := parseVersion(manifest.Version)
	if err != nil {
		return nil, malformedf(containerManifestName, "container version: %v", err)
	}

	c := &Container{
		Version: version,
		Model:   model,
		Images:  make(map[Variant][]byte),
	}
	if manifest.SDK != "" {
		if c.MinSDK, err = parseVersion(manifest.SDK); err != nil {
			return nil, malformedf(containerManifestName, "minimum SDK version: %v", err)
		}
	}
	if manifest.PyNitrokey != "" {
		if c.minLegacyTool, err = parseVersion(manifest.PyNitrokey); err != nil {
			return nil, malformedf(containerManifestName, "minimum tool version: %v", err)
		}
	}

	for name, path := range manifest.Images {
		variant, err := VariantFromString(name)
		if err != nil {
			return nil, err
		}
		image, err := readVerified(z, checksums, path)
		if err != nil {
			return nil, err
		}
		c.Images[variant] = image
	}

	return c, nil
}

// CheckSDKVersion enforces the container's minimum SDK version against
// SDKVersion.
func (c *Container) CheckSDKVersion() error {
	if c.MinSDK != nil {
		if SDKVersion.LessThan(*c.MinSDK) {
			return fmt.Errorf("%w: need %s, running %s", ErrVersionTooLow, c.MinSDK, SDKVersion)
		}
		return nil
	}
	// The SDK requirement replaced the predecessor-tool requirement;
	// only fall back to it when no SDK version is declared.
	if c.minLegacyTool != nil && legacyToolVersion.LessThan(*c.minLegacyTool) {
		return fmt.Errorf("%w: container predates this SDK and needs tool version %s", ErrVersionTooLow, c.minLegacyTool)
	}
	return nil
}

// Image returns the firmware image for the variant, or an
// UnsupportedVariantError if the release does not include one.
func (c *Container) Image(variant Variant) ([]byte, error) {
	image, ok := c.Images[variant]
	if !ok {
		return nil, &UnsupportedVariantError{Variant: string(variant)}
	}
	return image, nil
}

// parseChecksums reads the sha256sums index: one "<hex digest>  <path>"
// line per file, the format written by sha256sum(1).
func parseChecksums(z *zip.Reader) (map[string]string, error) {
	data, err := readFile(z, checksumsName)
	if err != nil {
		return nil, err
	}

	checksums := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line == "" {
			continue
		}
		digest, path, ok := strings.Cut(line, "  ")
		if !ok {
			return nil, malformedf(checksumsName, "unparseable line %q", line)
		}
		checksums[path] = digest
	}
	return checksums, nil
}

func readVerified(z *zip.Reader, checksums map[string]string, path string) ([]byte, error) {
	want, ok := checksums[path]
	if !ok {
		return nil, malformedf(path, "no checksum in %s", checksumsName)
	}
	data, err := readFile(z, path)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	if got := hex.EncodeToString(digest[:]); got != want {
		return nil, malformedf(path, "checksum mismatch: got %s, want %s", got, want)
	}
	return data, nil
}

func readFile(z *zip.Reader, path string) ([]byte, error) {
	f, err := z.Open(path)
	if err != nil {
		return nil, malformedf(path, "opening: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, malformedf(path, "reading: %v", err)
	}
	return data, nil
}

// parseVersion parses a version string with an optional "v" prefix.
func parseVersion(s string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(s, "v"))
}
