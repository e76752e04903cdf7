// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package ints

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct {
		v, alignment, want uint64
	}{
		{0, 128, 0},
		{1, 128, 128},
		{128, 128, 128},
		{300, 128, 384},
		{1 << 20, 1 << 20, 1 << 20},
	}
	for i := range cases {
		if got := AlignUp(cases[i].v, cases[i].alignment); got != cases[i].want {
			t.Errorf("case %d: AlignUp(%d, %d) = %d, want %d",
				i, cases[i].v, cases[i].alignment, got, cases[i].want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint32{1, 2, 128, 1 << 20} {
		if !IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = false", v)
		}
	}
	for _, v := range []uint32{0, 3, 129, 1<<20 + 1} {
		if IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = true", v)
		}
	}
}
