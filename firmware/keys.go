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

import "github.com/trussed-dev/go-trussed/trussed"

// Per-model firmware signing keys.  Re-export the DER with:
//
//	openssl ec -in dfu_public.pem -inform pem -pubin -outform der | xxd -p
var signatureKeys = map[trussed.Model][]SignatureKey{
	trussed.NK3: {
		{
			Name:     "Nitrokey",
			Official: true,
			DER:      "3059301306072a8648ce3d020106082a8648ce3d03010703420004a0849b19007ccd4661c01c533804b7fd0c4d8c0e7583653f1f36a8331afff298b542bd00a3dc47c16bf428ac4d2864137d63f702d89e5b42674e0549b4232618",
		},
		{
			Name:     "Nitrokey Test",
			Official: false,
			DER:      "3059301306072a8648ce3d020106082a8648ce3d0301070342000493e461ab0582bda1f45b0ce47d66bc4e8623e289c31af2098cde6ebd8631da85acf17e412d406c1e38c2de654a8fd0196506a85b169a756aeac2505a541cdd5d",
		},
	},
	trussed.NKPK: {
		{
			Name:     "Nitrokey",
			Official: true,
			DER:      "3059301306072a8648ce3d020106082a8648ce3d0301070342000445121cdf7a10826faa58c8cbe7bb1a40fe71c85c7756324eac09610d4710e9dadd473c0c9d35838b5cce301e796b2e14a8c29c86f0eb15f36325096506e275e6",
		},
		{
			Name:     "Nitrokey Test",
			Official: false,
			DER:      "3059301306072a8648ce3d020106082a8648ce3d03010703420004d9a355a2927bd6ecb7ed714294d4692ad31ae9dd21853bf99e2cf7182d1acd6c2ada4a9707ab43f9e6194480d94e477dce4de9be5c35119c714bac459b21cbdc",
		},
	},
}

// SignatureKeys returns the known firmware signing keys for a model.
func SignatureKeys(model trussed.Model) []SignatureKey {
	return signatureKeys[model]
}
