package inspector

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unicode"

	"github.com/haolipeng/network_mapping/pkg/foreign"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
)

// Summary 单个数据包的分类结果
type Summary struct {
	FromClient bool
	HasIP      bool
	TCP        bool
	Type       string
	Src        netip.AddrPort
	Dst        netip.AddrPort
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "packet client_orig=%t has_ip=%t tcp=%t type=%s",
		s.FromClient, s.HasIP, s.TCP, quoteIfNeeded(s.Type))
	if s.Src.IsValid() && s.Dst.IsValid() {
		fmt.Fprintf(&b, " src=%s dst=%s", s.Src, s.Dst)
	}
	return b.String()
}

// Classifier 每个数据包调用一次，读取宿主数据包的属性并报告
type Classifier struct {
	reporter Reporter
	policy   Policy
	pegs     *metrics.InspectorMetrics
}

func NewClassifier(reporter Reporter, policy Policy, pegs *metrics.InspectorMetrics) *Classifier {
	return &Classifier{reporter: reporter, policy: policy, pegs: pegs}
}

// Evaluate 处理一个宿主数据包，pkt 只在本次调用期间有效
func (c *Classifier) Evaluate(pkt host.Packet) {
	scope := foreign.NewScope("eval_packet")
	defer scope.Close()

	c.pegs.Inc(metrics.PegPackets)

	summary, err := Classify(scope, pkt)
	if err != nil {
		failure(scope.Name(), c.policy, c.pegs, err)
		return
	}

	report(c.reporter, summary.String())
}

// Classify 读取数据包的四个属性并把类型名拷贝出来。
// 宿主同时提供 host.Endpoints 时，结果还带上两端地址。
func Classify(scope *foreign.Scope, pkt host.Packet) (Summary, error) {
	summary := Summary{
		FromClient: pkt.IsFromClientOriginally(),
		HasIP:      pkt.HasIP(),
		TCP:        pkt.IsTCP(),
	}

	typeName, err := foreign.ToOwnedText(foreign.Borrow(scope, pkt.Type()))
	if err != nil {
		return Summary{}, err
	}
	summary.Type = typeName

	if ep, ok := pkt.(host.Endpoints); ok {
		summary.Src = ep.Src()
		summary.Dst = ep.Dst()
	}

	return summary, nil
}

// quoteIfNeeded 含空白或控制字符时加引号，保证一条报告只占一行
func quoteIfNeeded(s string) string {
	if s == "" || strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == '"'
	}) >= 0 {
		return strconv.Quote(s)
	}
	return s
}
