// SPDX-License-Identifier: AGPL-3.0-or-later
// zocp - Peer-to-peer orchestration of live-media nodes in a single binary
// Copyright (C) 2026 z25.org
//
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
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/z25/zocp>

package capability_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z25/zocp/internal/capability"
)

func TestRegisterAndGetValue(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)

	err := tree.RegisterParameter("TestInt", capability.TypeInt, 7.0, "rw", -10.0, 10.0, 1.0)
	require.NoError(t, err)

	v, ok := tree.GetValue("TestInt")
	require.True(t, ok)
	assert.InDelta(t, 7.0, v, 0)

	wire := tree.ToWire()
	param, ok := wire["TestInt"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "int", param["typeHint"])
	assert.Equal(t, "rw", param["access"])
	assert.Equal(t, -10.0, param["min"])
	assert.Equal(t, 10.0, param["max"])
	assert.Equal(t, 1.0, param["step"])
}

func TestRegisterRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	err := tree.RegisterParameter("Bad", capability.TypeVec3f, []any{1.0, 2.0}, "r", nil, nil, nil)
	assert.Error(t, err)
}

func TestReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	require.NoError(t, tree.RegisterParameter("X", capability.TypeInt, 1.0, "rw", nil, nil, nil))
	require.NoError(t, tree.RegisterParameter("X", capability.TypeInt, 2.0, "r", nil, nil, nil))

	v, _ := tree.GetValue("X")
	assert.Equal(t, 2.0, v)
	assert.Equal(t, capability.Access("r"), tree.Parameter("X").Access)
}

func TestSetObjectScopesRegistration(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	name := "light1"
	tree.SetObject(&name, "Light")
	require.NoError(t, tree.RegisterParameter("Brightness", capability.TypePercent, 50.0, "rwe", 0.0, 100.0, nil))
	tree.SetObject(nil, "")

	wire := tree.ToWire()
	objects, ok := wire["objects"].(map[string]any)
	require.True(t, ok)
	light, ok := objects["light1"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Light", light["type"])
	brightness, ok := light["Brightness"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 50.0, brightness["value"])

	// root-only GetValue cannot see into the object.
	_, ok = tree.GetValue("Brightness")
	assert.False(t, ok)
}

func TestSetCapabilityReplacesWholeTree(t *testing.T) {
	t.Parallel()
	var fired int
	tree := capability.NewTree(func(data map[string]any, originPeer, originName *string) { fired++ })
	require.NoError(t, tree.RegisterParameter("Old", capability.TypeInt, 1.0, "rw", nil, nil, nil))
	fired = 0

	tree.SetCapability(map[string]any{
		"_name": "node1",
		"Volume": map[string]any{
			"value":    0.5,
			"typeHint": "percent",
			"access":   "rwe",
		},
	})

	_, ok := tree.GetValue("Old")
	assert.False(t, ok)

	// The replacement comes out typed: subscriber bookkeeping works on it.
	v, ok := tree.GetValue("Volume")
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	recv := "Recv"
	assert.True(t, tree.AddSubscriber("Volume", "peerA", &recv))

	assert.Equal(t, 1, fired)
}

func TestSetHeaderFieldReservedOnly(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	require.NoError(t, tree.SetHeaderField("_name", "node1"))
	assert.Error(t, tree.SetHeaderField("NotReserved", "x"))
	assert.Error(t, tree.SetHeaderField("_location", "not-a-vector"))
	require.NoError(t, tree.SetHeaderField("_location", []any{1.0, 2.0, 3.0}))
}

func TestNotifyFiresPathLiftedData(t *testing.T) {
	t.Parallel()
	var got map[string]any
	tree := capability.NewTree(func(data map[string]any, originPeer, originName *string) {
		got = data
		assert.Nil(t, originPeer)
		assert.Nil(t, originName)
	})
	name := "obj"
	tree.SetObject(&name, "T")
	require.NoError(t, tree.RegisterParameter("P", capability.TypeBool, true, "rwe", nil, nil, nil))

	objects, ok := got["objects"].(map[string]any)
	require.True(t, ok)
	inner, ok := objects["obj"].(map[string]any)
	require.True(t, ok)
	param, ok := inner["P"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, param["value"])
}

func TestSubscribersIdempotent(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	require.NoError(t, tree.RegisterParameter("Emit", capability.TypeFloat, 1.0, "rwe", nil, nil, nil))

	recv := "Recv"
	assert.True(t, tree.AddSubscriber("Emit", "peerA", &recv))
	assert.False(t, tree.AddSubscriber("Emit", "peerA", &recv))
	assert.Len(t, tree.Parameter("Emit").Subscribers, 1)

	assert.True(t, tree.RemoveSubscriber("Emit", "peerA", &recv))
	assert.Empty(t, tree.Parameter("Emit").Subscribers)
}

func TestApplySetDeepMerge(t *testing.T) {
	t.Parallel()
	tree := capability.NewTree(nil)
	require.NoError(t, tree.RegisterParameter("Emit", capability.TypeFloat, 1.0, "rwe", nil, nil, nil))

	peer := "abc"
	tree.ApplySet(map[string]any{
		"Emit": map[string]any{"value": 3.5},
	}, &peer, nil)

	v, ok := tree.GetValue("Emit")
	require.True(t, ok)
	assert.Equal(t, 3.5, v)
}
