package inspector

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/haolipeng/network_mapping/pkg/foreign"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
)

// ServiceReport 服务识别事件的报告
type ServiceReport struct {
	Event   string
	Service string
	Client  netip.AddrPort
	Server  netip.AddrPort
}

func (r ServiceReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service name=%s", quoteIfNeeded(r.Service))
	if r.Event != "" {
		fmt.Fprintf(&b, " event=%s", r.Event)
	}
	if r.Client.IsValid() && r.Server.IsValid() {
		fmt.Fprintf(&b, " client=%s server=%s", r.Client, r.Server)
	}
	return b.String()
}

// Resolver 每个服务识别事件调用一次，向宿主查询连接的服务名并报告
type Resolver struct {
	lookup   host.ServiceLookup
	reporter Reporter
	policy   Policy
	pegs     *metrics.InspectorMetrics
}

func NewResolver(lookup host.ServiceLookup, reporter Reporter, policy Policy, pegs *metrics.InspectorMetrics) *Resolver {
	return &Resolver{lookup: lookup, reporter: reporter, policy: policy, pegs: pegs}
}

// OnEvent 处理一个服务识别事件，evt 和 flow 只在本次调用期间有效
func (r *Resolver) OnEvent(evt host.DataEvent, flow host.Flow) {
	scope := foreign.NewScope("handle_event")
	defer scope.Close()

	r.pegs.Inc(metrics.PegEvents)

	rep, err := Resolve(scope, r.lookup, evt, flow)
	if err != nil {
		failure(scope.Name(), r.policy, r.pegs, err)
		return
	}

	report(r.reporter, rep.String())
}

// Resolve 查询并拷贝服务名
func Resolve(scope *foreign.Scope, lookup host.ServiceLookup, evt host.DataEvent, flow host.Flow) (ServiceReport, error) {
	name, err := foreign.ToOwnedText(foreign.Borrow(scope, lookup.GetService(flow)))
	if err != nil {
		return ServiceReport{}, err
	}

	rep := ServiceReport{Service: name}
	if id, ok := evt.(host.EventIdentity); ok {
		rep.Event = id.EventID().String()
	}
	if ep, ok := flow.(host.FlowEndpoints); ok {
		rep.Client = ep.Client()
		rep.Server = ep.Server()
	}
	return rep, nil
}
