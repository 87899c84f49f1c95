// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function for creating a copy of the log tags so a derived
// component can extend them without mutating the parent's
func (c Component) CopyLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// GetUnitTestNatsURI helper function to read the NATS server URI to use during unit tests.
//
// Returns empty string if no server is made available for testing.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}
