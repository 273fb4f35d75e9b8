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

package list

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndInit(t *testing.T) {
	l := New[int]()
	require.NotNil(t, l)
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())

	// The zero value is usable after Init.
	var z List[string]
	z.Init()
	z.PushBack("a")
	assert.Equal(t, 1, z.Len())
	assert.Equal(t, "a", z.Front().Value)
}

func TestPushOrdering(t *testing.T) {
	l := New[int]()
	for _, v := range []int{1, 2, 3} {
		l.PushBack(v)
	}
	l.PushFront(0)

	var forward []int
	for e := l.Front(); e != nil; e = e.Next() {
		forward = append(forward, e.Value)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, forward)

	var backward []int
	for e := l.Back(); e != nil; e = e.Prev() {
		backward = append(backward, e.Value)
	}
	assert.Equal(t, []int{3, 2, 1, 0}, backward)
}

func TestPushValueReusesElement(t *testing.T) {
	l := New[int]()
	elem := &Element[int]{Value: 42}

	l.PushBackValue(elem)
	assert.Same(t, elem, l.Back())

	require.True(t, l.Remove(elem))
	assert.Equal(t, 0, l.Len())

	// The element is detached and can go right back in.
	assert.Nil(t, elem.next)
	assert.Nil(t, elem.prev)
	l.PushFrontValue(elem)
	assert.Same(t, elem, l.Front())
	assert.Equal(t, 42, l.Front().Value)
}

func TestRemove(t *testing.T) {
	l := New[int]()
	e1 := l.PushBack(1)
	e2 := l.PushBack(2)
	e3 := l.PushBack(3)

	require.True(t, l.Remove(e2))
	assert.Equal(t, 2, l.Len())
	assert.Same(t, e3, e1.Next())
	assert.Same(t, e1, e3.Prev())

	require.True(t, l.Remove(e1))
	require.True(t, l.Remove(e3))
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())
}

func TestRemoveReportsMembership(t *testing.T) {
	l1 := New[int]()
	l2 := New[int]()
	e := l1.PushBack(1)

	// Not an element of l2; nothing happens.
	assert.False(t, l2.Remove(e))
	assert.Equal(t, 1, l1.Len())

	// A second removal from the owning list reports false too.
	assert.True(t, l1.Remove(e))
	assert.False(t, l1.Remove(e))
}

func TestNextPrevBoundaries(t *testing.T) {
	l := New[int]()
	e := l.PushBack(1)
	assert.Nil(t, e.Next())
	assert.Nil(t, e.Prev())

	e2 := l.PushBack(2)
	assert.Same(t, e2, e.Next())
	assert.Same(t, e, e2.Prev())
	assert.Nil(t, e2.Next())
}
