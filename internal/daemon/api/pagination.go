// Copyright 2025 GazeQA Authors
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

package api

import (
	"fmt"
	"net/url"
	"strconv"
)

// Pagination limits per surface.
const (
	defaultRunsLimit     = 20
	maxRunsLimit         = 100
	defaultArtifactLimit = 100
	maxArtifactLimit     = 500
)

type pageParams struct {
	offset int
	limit  int
}

// parsePagination reads offset and limit query parameters, enforcing
// offset >= 0 and 1 <= limit <= max.
func parsePagination(query url.Values, defaultLimit, maxLimit int) (pageParams, error) {
	p := pageParams{offset: 0, limit: defaultLimit}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return p, fmt.Errorf("offset must be a non-negative integer")
		}
		p.offset = offset
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxLimit {
			return p, fmt.Errorf("limit must be between 1 and %d", maxLimit)
		}
		p.limit = limit
	}
	return p, nil
}

// pageWindow clamps the [offset, offset+limit) window to the total and
// returns the slice bounds.
func (p pageParams) window(total int) (int, int) {
	start := p.offset
	if start > total {
		start = total
	}
	end := start + p.limit
	if end > total {
		end = total
	}
	return start, end
}

// envelope builds the standard pagination fields. Offsets outside the
// collection are null rather than clamped.
func (p pageParams) envelope(total int) map[string]any {
	fields := map[string]any{
		"offset":          p.offset,
		"limit":           p.limit,
		"total":           total,
		"next_offset":     nil,
		"previous_offset": nil,
	}
	if next := p.offset + p.limit; next < total {
		fields["next_offset"] = next
	}
	// previous_offset stays null when a full page back would underflow.
	if prev := p.offset - p.limit; prev >= 0 && p.offset > 0 {
		fields["previous_offset"] = prev
	}
	return fields
}
