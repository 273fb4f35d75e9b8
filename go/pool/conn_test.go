// Copyright 2025 The Connkeep Authors
//
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

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResetModeStrings(t *testing.T) {
	assert.Equal(t, "rollback", ResetRollback.String())
	assert.Equal(t, "commit", ResetCommit.String())
	assert.Equal(t, "none", ResetNone.String())
	assert.Equal(t, "invalid", ResetMode(99).String())
}

func TestParseResetMode(t *testing.T) {
	m, ok := ParseResetMode("")
	assert.True(t, ok)
	assert.Equal(t, ResetRollback, m)

	m, ok = ParseResetMode("commit")
	assert.True(t, ok)
	assert.Equal(t, ResetCommit, m)

	m, ok = ParseResetMode("none")
	assert.True(t, ok)
	assert.Equal(t, ResetNone, m)

	_, ok = ParseResetMode("discard")
	assert.False(t, ok)
}
