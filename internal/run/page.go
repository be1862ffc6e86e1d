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

package run

// PageDescriptor identifies a page discovered during exploration or crawl.
// PageID is a stable slug unique within a run.
type PageDescriptor struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Section     string  `json:"section"`
	PageID      string  `json:"page_id"`
	Screenshot  *string `json:"screenshot"`
	DOMSnapshot *string `json:"dom_snapshot"`
}

// Adjacency maps a page id to its outbound links in discovery order.
type Adjacency map[string][]PageDescriptor
