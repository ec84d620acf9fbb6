// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package properties

import (
	"strconv"
	"time"
)

func ConvertBool(value string) (bool, error) {
	return strconv.ParseBool(value)
}

func ConvertInt(value string) (int, error) {
	return strconv.Atoi(value)
}

func ConvertUint64(value string) (uint64, error) {
	return strconv.ParseUint(value, 10, 64)
}

func ConvertString(value string) (string, error) {
	return value, nil
}

// ConvertDuration accepts Go duration strings ("10s", "1m30s") and plain
// integers, which are interpreted as milliseconds.
func ConvertDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}
