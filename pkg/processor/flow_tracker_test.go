package processor

import (
	"context"
	"net/netip"
	"sync"
	"testing"

	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/pcaptest"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decoded(t *testing.T, id string, f pcaptest.Frame) *types.Packet {
	t.Helper()
	pkt := newRawPacket(t, id, f)
	Decode(pkt)
	return pkt
}

func eventIDs(pkt *types.Packet) []host.EventID {
	var ids []host.EventID
	for _, e := range pkt.Events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestFlowTrackerFirstSeenIsClient(t *testing.T) {
	ft := NewFlowTracker(0)

	req := decoded(t, "pkt-1", pcaptest.UDP("10.0.0.1:5353", "10.0.0.53:53", []byte("q")))
	resp := decoded(t, "pkt-2", pcaptest.UDP("10.0.0.53:53", "10.0.0.1:5353", []byte("a")))
	ft.Track(req)
	ft.Track(resp)

	require.NotNil(t, req.Flow)
	assert.Same(t, req.Flow, resp.Flow)
	assert.True(t, req.IsFromClientOriginally())
	assert.False(t, resp.IsFromClientOriginally())
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:5353"), req.Flow.Client())
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.53:53"), req.Flow.Server())

	assert.Equal(t, []host.EventID{host.FlowStateSetup}, eventIDs(req))
	assert.Empty(t, eventIDs(resp))
	assert.Same(t, req.Flow, req.Events[0].Flow)
	assert.Equal(t, 1, ft.Flows())
}

func TestFlowTrackerDirectionFlip(t *testing.T) {
	ft := NewFlowTracker(0)

	// 抓包从服务端的响应开始，随后客户端重新发起连接
	first := decoded(t, "pkt-1", pcaptest.TCP("10.0.0.2:80", "10.0.0.1:40000", false, true, nil))
	syn := decoded(t, "pkt-2", pcaptest.TCP("10.0.0.1:40000", "10.0.0.2:80", true, false, nil))
	synAck := decoded(t, "pkt-3", pcaptest.TCP("10.0.0.2:80", "10.0.0.1:40000", true, true, nil))

	ft.Track(first)
	assert.True(t, first.FromClient)

	ft.Track(syn)
	assert.True(t, syn.FromClient)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:40000"), syn.Flow.Client())

	ft.Track(synAck)
	assert.False(t, synAck.FromClient)
}

func TestFlowTrackerNonIP(t *testing.T) {
	ft := NewFlowTracker(0)
	arp := decoded(t, "pkt-1", pcaptest.ARP("10.0.0.1", "10.0.0.2"))

	ft.Track(arp)
	assert.Nil(t, arp.Flow)
	assert.Equal(t, []host.EventID{host.PktWithoutFlow}, eventIDs(arp))
	assert.Nil(t, arp.Events[0].Flow)
	assert.Equal(t, 0, ft.Flows())
}

func TestFlowTrackerEviction(t *testing.T) {
	ft := NewFlowTracker(2)

	a := decoded(t, "pkt-1", pcaptest.UDP("10.0.0.1:1001", "10.0.0.9:53", nil))
	b := decoded(t, "pkt-2", pcaptest.UDP("10.0.0.2:1002", "10.0.0.9:53", nil))
	c := decoded(t, "pkt-3", pcaptest.UDP("10.0.0.3:1003", "10.0.0.9:53", nil))
	again := decoded(t, "pkt-4", pcaptest.UDP("10.0.0.1:1001", "10.0.0.9:53", nil))

	ft.Track(a)
	ft.Track(b)
	ft.Track(c)
	assert.Equal(t, 2, ft.Flows())

	// a 已被淘汰，再次出现时重新建立
	ft.Track(again)
	assert.NotSame(t, a.Flow, again.Flow)
	assert.Equal(t, []host.EventID{host.FlowStateSetup}, eventIDs(again))

	stats := ft.GetStats()
	assert.Equal(t, uint64(4), stats["created"])
	assert.Equal(t, uint64(2), stats["evicted"])
	assert.Equal(t, 2, stats["capacity"])
}

func TestFlowTrackerProcess(t *testing.T) {
	ft := NewFlowTracker(16)
	require.NoError(t, ft.CheckReady())

	in := make(chan *types.Packet, 2)
	in <- decoded(t, "pkt-1", pcaptest.TCP("10.0.0.1:40000", "10.0.0.2:80", true, false, nil))
	in <- decoded(t, "pkt-2", pcaptest.TCP("10.0.0.2:80", "10.0.0.1:40000", true, true, nil))
	close(in)

	var wg sync.WaitGroup
	wg.Add(1)
	out, err := ft.Process(context.Background(), in, &wg)
	require.NoError(t, err)

	var pkts []*types.Packet
	for pkt := range out {
		pkts = append(pkts, pkt)
	}
	wg.Wait()

	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].FromClient)
	assert.False(t, pkts[1].FromClient)
	assert.Equal(t, uint64(1), ft.Metrics().EventsRaised)
	require.NoError(t, ft.Cleanup())
	assert.Equal(t, 0, ft.Flows())
}
