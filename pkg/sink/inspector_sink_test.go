package sink

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/pipeline"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingInspector 记录每个连接上看到的数据包顺序，遇到指定数据包时中止
type recordingInspector struct {
	mu      sync.Mutex
	seen    map[string][]string
	abortOn string
	panicOn string
}

func newRecordingInspector() *recordingInspector {
	return &recordingInspector{seen: make(map[string][]string)}
}

func (r *recordingInspector) EvalPacket(pkt host.Packet) {
	p := pkt.(*types.Packet)
	switch p.ID {
	case r.abortOn:
		panic(types.NewInspectError("eval_packet", errors.New("bad type")))
	case r.panicOn:
		panic("boom")
	}

	key := "none"
	if p.Flow != nil {
		key = p.Flow.Client().String()
	}
	r.mu.Lock()
	r.seen[key] = append(r.seen[key], p.ID)
	r.mu.Unlock()
}

func (r *recordingInspector) ids(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen[key]...)
}

func flowPacket(id string, flow *types.Flow) *types.Packet {
	pkt := &types.Packet{ID: id, Flow: flow, IP: true}
	pkt.SetType("udp")
	return pkt
}

func newTestFlow(client string) *types.Flow {
	c := netip.MustParseAddrPort(client)
	s := netip.MustParseAddrPort("10.0.0.53:53")
	return types.NewFlow(types.NewFlowKey(c, s, 17), c, s)
}

func consume(t *testing.T, s *InspectorSink, pkts []*types.Packet) {
	t.Helper()
	in := make(chan *types.Packet, len(pkts))
	for _, pkt := range pkts {
		in <- pkt
	}
	close(in)

	done := make(chan error, 1)
	go func() { done <- s.Consume(context.Background(), in) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return")
	}
}

func TestInspectorSinkKeepsFlowOrder(t *testing.T) {
	insp := newRecordingInspector()
	s := NewInspectorSink(insp, nil, 4, 8)

	flows := []*types.Flow{newTestFlow("10.0.0.1:1001"), newTestFlow("10.0.0.2:1002"), newTestFlow("10.0.0.3:1003")}
	var pkts []*types.Packet
	want := make(map[string][]string)
	for i := 0; i < 60; i++ {
		flow := flows[i%len(flows)]
		id := fmt.Sprintf("pkt-%d", i)
		pkts = append(pkts, flowPacket(id, flow))
		want[flow.Client().String()] = append(want[flow.Client().String()], id)
	}

	consume(t, s, pkts)

	for key, ids := range want {
		assert.Equal(t, ids, insp.ids(key), key)
	}
	assert.Equal(t, uint64(60), s.Metrics().ProcessedPackets)
	select {
	case <-s.Ready():
	default:
		t.Fatal("sink not ready")
	}
}

func TestInspectorSinkRecoversAbortedCallbacks(t *testing.T) {
	insp := newRecordingInspector()
	insp.abortOn = "pkt-1"
	insp.panicOn = "pkt-2"
	s := NewInspectorSink(insp, nil, 1, 4)

	flow := newTestFlow("10.0.0.1:1001")
	consume(t, s, []*types.Packet{
		flowPacket("pkt-0", flow),
		flowPacket("pkt-1", flow),
		flowPacket("pkt-2", flow),
		flowPacket("pkt-3", flow),
	})

	assert.Equal(t, []string{"pkt-0", "pkt-3"}, insp.ids("10.0.0.1:1001"))
}

func TestInspectorSinkPublishesEvents(t *testing.T) {
	bus := pipeline.NewEventBus()
	var mu sync.Mutex
	var got []host.EventID
	var flows []host.Flow
	handler := func(evt host.DataEvent, flow host.Flow) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.(host.EventIdentity).EventID())
		flows = append(flows, flow)
	}
	bus.Subscribe(host.FlowServiceChange, "test", handler)
	bus.Subscribe(host.PktWithoutFlow, "test", handler)

	flow := newTestFlow("10.0.0.1:1001")
	withFlow := flowPacket("pkt-0", flow)
	withFlow.Raise(host.FlowStateSetup)
	withFlow.Raise(host.FlowServiceChange)

	arp := &types.Packet{ID: "pkt-1"}
	arp.SetType("arp")
	arp.Raise(host.PktWithoutFlow)

	failed := flowPacket("pkt-2", flow)
	failed.Error = errors.New("decode failed")
	failed.Raise(host.FlowServiceChange)

	s := NewInspectorSink(newRecordingInspector(), bus, 1, 4)
	consume(t, s, []*types.Packet{withFlow, arp, failed})

	assert.Equal(t, []host.EventID{host.FlowServiceChange, host.PktWithoutFlow}, got)
	require.Len(t, flows, 2)
	assert.Same(t, flow, flows[0])
	// 没有连接的事件传入真正的nil，而不是带类型的空指针
	assert.Nil(t, flows[1])
	assert.Equal(t, uint64(2), s.Metrics().EventsRaised)
	assert.Equal(t, uint64(1), s.Metrics().DroppedPackets)
}

func TestInspectorSinkStopsOnCancel(t *testing.T) {
	s := NewInspectorSink(newRecordingInspector(), nil, 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *types.Packet)

	done := make(chan error, 1)
	go func() { done <- s.Consume(ctx, in) }()
	<-s.Ready()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not stop")
	}
}
