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

// Package wire defines the on-log message layout (checksum, metadata,
// payload) shared by the producer, dispatchers and compactor, plus the
// Position type used to address entries in a Managed Log.
package wire

import "fmt"

// Position addresses a single entry in a Managed Log. Positions are
// totally ordered lexicographically by (LedgerID, EntryID).
type Position struct {
	LedgerID int64
	EntryID  int64
}

// Compare returns -1, 0 or 1 as p is less than, equal to, or greater
// than other.
func (p Position) Compare(other Position) int {
	switch {
	case p.LedgerID != other.LedgerID:
		if p.LedgerID < other.LedgerID {
			return -1
		}
		return 1
	case p.EntryID != other.EntryID:
		if p.EntryID < other.EntryID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool { return p.Compare(other) < 0 }

// LessEqual reports whether p sorts before or equal to other.
func (p Position) LessEqual(other Position) bool { return p.Compare(other) <= 0 }

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.LedgerID, p.EntryID)
}

// SubPosition addresses a single sub-message within a batch entry.
type SubPosition struct {
	Position
	BatchIndex int32
}
