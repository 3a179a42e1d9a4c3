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

// Package firmware parses and validates firmware release artifacts: the
// outer release container (a zip with a manifest and per-file
// checksums) and the per-variant firmware images inside it.  The
// package is pure; it performs no device I/O.
package firmware

import (
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/trussed-dev/go-trussed/trussed"
)

// SDKVersion is the version of this SDK.  Containers declare the
// minimum SDK version able to install them; older SDKs must refuse the
// update.
var SDKVersion = semver.Version{Major: 0, Minor: 3, Patch: 0}

// ErrVersionTooLow is returned when a container requires a newer SDK
// than SDKVersion.
var ErrVersionTooLow = errors.New("firmware: container requires a newer SDK version")

// MalformedError reports a structural defect in a release container or
// firmware image: missing files, checksum mismatches, undecodable
// metadata.
type MalformedError struct {
	// Path is the file within the archive the defect was found in,
	// if applicable.
	Path string
	Err  error
}

func (e *MalformedError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("firmware: malformed artifact (%s): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("firmware: malformed artifact: %v", e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func malformedf(path, format string, args ...any) error {
	return &MalformedError{Path: path, Err: fmt.Errorf(format, args...)}
}

// UnsupportedVariantError reports firmware that does not target the
// requested device model or hardware variant.
type UnsupportedVariantError struct {
	Variant string
	// Want names the expected model or variant when the mismatch is
	// against a known target.
	Want string
}

func (e *UnsupportedVariantError) Error() string {
	if e.Want != "" {
		return fmt.Sprintf("firmware: no support for variant %q, want %s", e.Variant, e.Want)
	}
	return fmt.Sprintf("firmware: no support for variant %q", e.Variant)
}

// Variant is a hardware variant a firmware image is built for.
type Variant string

const (
	VariantLPC55 Variant = "lpc55"
	VariantNRF52 Variant = "nrf52"
)

// VariantFromString parses a variant identifier as it appears in
// container manifests.
func VariantFromString(s string) (Variant, error) {
	switch Variant(s) {
	case VariantLPC55, VariantNRF52:
		return Variant(s), nil
	}
	return "", &UnsupportedVariantError{Variant: s}
}

// VariantFromStatus maps the hardware variant reported by the admin
// application to the container image key.  The USBIP runner has no
// updatable firmware.
func VariantFromStatus(v trussed.Variant) (Variant, error) {
	switch v {
	case trussed.VariantLPC55:
		return VariantLPC55, nil
	case trussed.VariantNRF52:
		return VariantNRF52, nil
	}
	return "", &UnsupportedVariantError{Variant: v.String()}
}

// FirmwareMetadata is the validated identity of a firmware image.
type FirmwareMetadata struct {
	Version        *semver.Version
	SignedBy       string
	SignedByVendor bool
}

func modelName(m trussed.Model) string {
	switch m {
	case trussed.NK3:
		return "nk3"
	case trussed.NKPK:
		return "nkpk"
	}
	return "unknown"
}

func modelFromName(s string) (trussed.Model, bool) {
	switch s {
	case "nk3", "nitrokey-3":
		return trussed.NK3, true
	case "nkpk", "nitrokey-passkey":
		return trussed.NKPK, true
	}
	return 0, false
}
