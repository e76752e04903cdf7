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

package bitrush

import "errors"

var (
	// ErrClosed is returned by Push once a file-backed
	// index has been flushed, closed, or left unusable
	// by a storage failure, and by operations on read-only
	// handles that require a builder.
	ErrClosed = errors.New("bitrush: index closed to appends")

	// ErrRange is returned when a query chunk window
	// is empty or out of bounds.
	ErrRange = errors.New("bitrush: query range out of bounds")

	// ErrLayout is returned when a bit-group layout
	// does not cover the value width, or when an index
	// file's layout does not match the requested type.
	ErrLayout = errors.New("bitrush: invalid bit-group layout")
)
