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

package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z25/zocp/internal/capability"
	"github.com/z25/zocp/internal/codec"
	"github.com/z25/zocp/internal/events"
	"github.com/z25/zocp/internal/protocol"
	"github.com/z25/zocp/internal/subscription"
)

const (
	selfID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	peerB  = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	peerC  = "cccccccccccccccccccccccccccccccc"
)

// recordingSender captures every whisper so tests can assert on the exact
// frames an engine emits without a presence fabric behind it.
type recordingSender struct {
	sent []sentFrame
}

type sentFrame struct {
	peer  string
	frame codec.Frame
}

func (s *recordingSender) Whisper(peer string, data []byte) error {
	f, err := codec.Decode(data)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentFrame{peer: peer, frame: f})
	return nil
}

func (s *recordingSender) byVerb(verb codec.Verb) []sentFrame {
	var out []sentFrame
	for _, f := range s.sent {
		if f.frame.Verb == verb {
			out = append(out, f)
		}
	}
	return out
}

func newEngine(t *testing.T) (*protocol.Engine, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	tree := capability.NewTree(nil)
	registry := subscription.NewRegistry()
	e := protocol.NewEngine(selfID, "node1", tree, registry, sender, events.NewHandlers())
	tree.SetNotify(e.OnTreeModified)
	return e, sender
}

func strPtr(s string) *string { return &s }

func TestRegisterParameterFansOutMod(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	// B subscribes to our Brightness before it exists, then we register it.
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerB})
	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))

	mods := sender.byVerb(codec.VerbMod)
	require.Len(t, mods, 1)
	assert.Equal(t, peerB, mods[0].peer)

	data, err := mods[0].frame.DecodeMapPayload()
	require.NoError(t, err)
	require.Contains(t, data, "Brightness")
	param := data["Brightness"].(map[string]any)
	assert.Equal(t, 0.5, param["value"])
	assert.Equal(t, "percent", param["typeHint"])
}

func TestPureValueWriteIsDemotedToSig(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerB})
	sender.sent = nil

	e.Tree.ApplySet(map[string]any{"Brightness": map[string]any{"value": 0.9}}, nil, nil)

	sigs := sender.byVerb(codec.VerbSig)
	require.Len(t, sigs, 1)
	assert.Equal(t, peerB, sigs[0].peer)
	name, value, err := sigs[0].frame.DecodeSig()
	require.NoError(t, err)
	assert.Equal(t, "Brightness", name)
	assert.Equal(t, 0.9, value)

	// Never both MOD and SIG for the same mutation.
	assert.Empty(t, sender.byVerb(codec.VerbMod))
}

func TestDemotedSigSkipsOriginatorPeer(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerB})
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerC})
	sender.sent = nil

	// B SETs our value; B must not get an echo, C must.
	e.Dispatch(peerB, "node2", codec.EncodeSet(map[string]any{"Brightness": map[string]any{"value": 0.7}}))

	sigs := sender.byVerb(codec.VerbSig)
	require.Len(t, sigs, 1)
	assert.Equal(t, peerC, sigs[0].peer)
}

func TestStructuralSetFansOutModNotSig(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerB})
	sender.sent = nil

	// value + min changes together: structural, not demotable.
	e.Dispatch(peerC, "node3", codec.EncodeSet(map[string]any{
		"Brightness": map[string]any{"value": 0.7, "min": 0.1},
	}))

	assert.Empty(t, sender.byVerb(codec.VerbSig))
	require.Len(t, sender.byVerb(codec.VerbMod), 1)
}

func TestGetNullRepliesWithFullTreeAsMod(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	require.NoError(t, e.Tree.RegisterParameter("Speed", capability.TypeFloat, 2.0, "r", nil, nil, nil))
	sender.sent = nil

	e.Dispatch(peerB, "node2", codec.EncodeGet(nil))

	mods := sender.byVerb(codec.VerbMod)
	require.Len(t, mods, 1)
	assert.Equal(t, peerB, mods[0].peer)
	data, err := mods[0].frame.DecodeMapPayload()
	require.NoError(t, err)
	assert.Contains(t, data, "Brightness")
	assert.Contains(t, data, "Speed")
}

func TestGetNamesRepliesWithOnlyNamedSlots(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	require.NoError(t, e.Tree.RegisterParameter("Speed", capability.TypeFloat, 2.0, "r", nil, nil, nil))
	sender.sent = nil

	e.Dispatch(peerB, "node2", codec.EncodeGet([]string{"Speed"}))

	mods := sender.byVerb(codec.VerbMod)
	require.Len(t, mods, 1)
	data, err := mods[0].frame.DecodeMapPayload()
	require.NoError(t, err)
	assert.Contains(t, data, "Speed")
	assert.NotContains(t, data, "Brightness")
}

func TestInboundSubAsEmitterRecordsAndConfirms(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	sender.sent = nil

	e.Dispatch(peerB, "node2", codec.EncodeSub(selfID, strPtr("Brightness"), peerB, strPtr("Level")))

	entries := e.Registry.ReceiversFor(selfID, "Brightness")
	require.Len(t, entries, 1)
	assert.Equal(t, peerB, entries[0].RecvPeer)

	p := e.Tree.Parameter("Brightness")
	require.Len(t, p.Subscribers, 1)
	assert.Equal(t, peerB, p.Subscribers[0].PeerID)

	// Confirmation SUB back to the receiver, plus a MOD carrying the
	// updated subscribers list to interested peers.
	subs := sender.byVerb(codec.VerbSub)
	require.Len(t, subs, 1)
	assert.Equal(t, peerB, subs[0].peer)
}

func TestInboundSubForNeitherPartyIsDropped(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	e.Dispatch(peerC, "node3", codec.EncodeSub(peerB, strPtr("Brightness"), peerC, strPtr("Level")))

	// Neither recv_peer nor emit_peer is us: dropped, no state, no traffic.
	assert.Empty(t, e.Registry.ReceiversFor(peerB, "Brightness"))
	assert.Empty(t, sender.sent)
}

func TestThirdPartySubscribeForwardsToEmitter(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	e.SignalSubscribe(peerB, strPtr("Level"), peerC, strPtr("Brightness"))

	// We are neither party: the request is forwarded to the emitter and
	// nothing lands in our own tables.
	subs := sender.byVerb(codec.VerbSub)
	require.Len(t, subs, 1)
	assert.Equal(t, peerC, subs[0].peer)
	assert.Empty(t, e.Registry.ReceiversFor(peerC, "Brightness"))
}

func TestSubscribeAsReceiverWhispersScopedGetAndSub(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	e.SignalSubscribe(selfID, strPtr("Level"), peerB, strPtr("Brightness"))

	gets := sender.byVerb(codec.VerbGet)
	require.Len(t, gets, 1)
	names, wantAll, err := gets[0].frame.DecodeGet()
	require.NoError(t, err)
	assert.False(t, wantAll)
	assert.Equal(t, []string{"Brightness"}, names)

	subs := sender.byVerb(codec.VerbSub)
	require.Len(t, subs, 1)
	assert.Equal(t, peerB, subs[0].peer)
}

func TestInboundSigWritesReceiverAndFiresCallbackOnce(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Level", capability.TypePercent, 0.5, "rws", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: peerB, Emitter: "Brightness", RecvPeer: selfID, Receiver: strPtr("Level")})
	sender.sent = nil

	var fired int
	var gotReceivers []string
	e.Handlers.OnPeerSignaled = func(peer, name, emitter string, value any, receivers []string) {
		fired++
		gotReceivers = receivers
	}

	e.Dispatch(peerB, "node2", codec.EncodeSig("Brightness", 0.8))

	v, ok := e.Tree.GetValue("Level")
	require.True(t, ok)
	assert.Equal(t, 0.8, v)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"Level"}, gotReceivers)

	// The peer capability cache tracks the emitter's new value too.
	wire, ok := e.Registry.PeerCapability(peerB)
	require.True(t, ok)
	assert.Equal(t, 0.8, wire["Brightness"].(map[string]any)["value"])
}

func TestInboundSigWithoutSubscriptionIsSilent(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	var fired int
	e.Handlers.OnPeerSignaled = func(peer, name, emitter string, value any, receivers []string) { fired++ }

	e.Dispatch(peerB, "node2", codec.EncodeSig("Brightness", 0.8))

	assert.Zero(t, fired)
}

func TestInboundSigWithNullReceiverFiresCallbackOnly(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Level", capability.TypePercent, 0.5, "rws", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: peerB, Emitter: "Brightness", RecvPeer: selfID, Receiver: nil})

	var fired int
	e.Handlers.OnPeerSignaled = func(peer, name, emitter string, value any, receivers []string) {
		fired++
		assert.Empty(t, receivers)
	}

	e.Dispatch(peerB, "node2", codec.EncodeSig("Brightness", 0.8))

	v, _ := e.Tree.GetValue("Level")
	assert.Equal(t, 0.5, v)
	assert.Equal(t, 1, fired)
}

func TestSigCascadeStopsWhenValueUnchanged(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Level", capability.TypePercent, 0.8, "rwes", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: peerB, Emitter: "Brightness", RecvPeer: selfID, Receiver: strPtr("Level")})
	// Level is itself an emitter with a remote subscriber...
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Level", RecvPeer: peerC})
	sender.sent = nil

	// ...but the inbound value equals Level's current value, so the
	// cascade must not re-fire.
	e.Dispatch(peerB, "node2", codec.EncodeSig("Brightness", 0.8))

	assert.Empty(t, sender.byVerb(codec.VerbSig))
}

func TestEmitSignalCascadesToRemoteSubscriber(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	e.Registry.Subscribe(subscription.Entry{EmitPeer: selfID, Emitter: "Brightness", RecvPeer: peerB, Receiver: strPtr("Level")})
	sender.sent = nil

	e.EmitSignal("Brightness", 0.9)

	v, _ := e.Tree.GetValue("Brightness")
	assert.Equal(t, 0.9, v)

	sigs := sender.byVerb(codec.VerbSig)
	require.Len(t, sigs, 1)
	assert.Equal(t, peerB, sigs[0].peer)
	name, value, err := sigs[0].frame.DecodeSig()
	require.NoError(t, err)
	// The frame names the emitter; remapping to "Level" is the receiving
	// node's job.
	assert.Equal(t, "Brightness", name)
	assert.Equal(t, 0.9, value)
	assert.Empty(t, sender.byVerb(codec.VerbMod))
}

func TestInboundModMergesPeerCacheAndFiresCallback(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	var fired int
	e.Handlers.OnPeerModified = func(peer, name string, data map[string]any) { fired++ }

	e.Dispatch(peerB, "node2", codec.EncodeMod(map[string]any{
		"Brightness": map[string]any{"value": 0.5, "typeHint": "percent"},
	}))
	e.Dispatch(peerB, "node2", codec.EncodeMod(map[string]any{
		"Brightness": map[string]any{"value": 0.9},
	}))

	wire, ok := e.Registry.PeerCapability(peerB)
	require.True(t, ok)
	brightness := wire["Brightness"].(map[string]any)
	assert.Equal(t, 0.9, brightness["value"])
	assert.Equal(t, "percent", brightness["typeHint"])
	assert.Equal(t, 2, fired)
}

func TestUnsubscribeAsEmitterPrunesTreeAndConfirms(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	e.Dispatch(peerB, "node2", codec.EncodeSub(selfID, strPtr("Brightness"), peerB, strPtr("Level")))
	require.Len(t, e.Tree.Parameter("Brightness").Subscribers, 1)
	sender.sent = nil

	e.Dispatch(peerB, "node2", codec.EncodeUnsub(selfID, strPtr("Brightness"), peerB, strPtr("Level")))

	assert.Empty(t, e.Registry.ReceiversFor(selfID, "Brightness"))
	assert.Empty(t, e.Tree.Parameter("Brightness").Subscribers)
	unsubs := sender.byVerb(codec.VerbUnsub)
	require.Len(t, unsubs, 1)
	assert.Equal(t, peerB, unsubs[0].peer)
}

func TestWildcardSubTouchesEveryEmitter(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	require.NoError(t, e.Tree.RegisterParameter("Brightness", capability.TypePercent, 0.5, "rwe", nil, nil, nil))
	require.NoError(t, e.Tree.RegisterParameter("Speed", capability.TypeFloat, 2.0, "re", nil, nil, nil))
	require.NoError(t, e.Tree.RegisterParameter("Label", capability.TypeString, "x", "rw", nil, nil, nil))

	e.Dispatch(peerB, "node2", codec.EncodeSub(selfID, nil, peerB, nil))

	assert.Len(t, e.Tree.Parameter("Brightness").Subscribers, 1)
	assert.Len(t, e.Tree.Parameter("Speed").Subscribers, 1)
	// Label has no emitter flag: untouched.
	assert.Empty(t, e.Tree.Parameter("Label").Subscribers)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	e.Dispatch(peerB, "node2", []byte(`not json`))
	e.Dispatch(peerB, "node2", []byte(`{"GET":null,"SET":{}}`))
	e.Dispatch(peerB, "node2", []byte(`{"SIG":"not-a-pair"}`))
	e.Dispatch(peerB, "node2", []byte(`{"FROB":[1,2,3]}`))

	assert.Empty(t, sender.sent)
}

func TestCallIsAcceptedAndDropped(t *testing.T) {
	t.Parallel()
	e, sender := newEngine(t)

	e.Dispatch(peerB, "node2", codec.EncodeCall("reload", []any{"scene1"}))

	assert.Empty(t, sender.sent)
}

func TestRegisterHandlerExtendsDispatch(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	var got string
	require.NoError(t, e.RegisterHandler("PING", func(senderPeer, senderName string, frame codec.Frame) {
		got = senderPeer
	}))

	e.Dispatch(peerB, "node2", []byte(`{"PING":null}`))
	assert.Equal(t, peerB, got)
}

func TestRegisterHandlerRejectsCanonicalVerbs(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	err := e.RegisterHandler(codec.VerbSig, func(string, string, codec.Frame) {})
	assert.ErrorIs(t, err, protocol.ErrReservedVerb)
}

func TestRepForwardsPayloadToCallback(t *testing.T) {
	t.Parallel()
	e, _ := newEngine(t)

	var got any
	e.Handlers.OnPeerReplied = func(peer, name string, data any) { got = data }

	payload, err := json.Marshal(map[string]any{"REP": []any{"ok", 1.0}})
	require.NoError(t, err)
	e.Dispatch(peerB, "node2", payload)

	assert.Equal(t, []any{"ok", 1.0}, got)
}
