// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import "hash/crc32"

// castagnoli is the CRC32-C polynomial table used to checksum message
// payloads. hash/crc32 already ships the Castagnoli table, so this one
// piece of the wire codec stays on the standard library rather than
// importing a third-party crc32c shim that would add nothing.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32-C checksum of payload.
func Checksum(payload []byte) uint32 {
	return crc32.Checksum(payload, castagnoli)
}

// VerifyChecksum reports whether want matches the CRC32-C of payload.
func VerifyChecksum(want uint32, payload []byte) bool {
	return want == Checksum(payload)
}
