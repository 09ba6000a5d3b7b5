package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/pcaptest"
	"github.com/haolipeng/network_mapping/pkg/ruleEngine"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() map[string]*ruleEngine.Rule {
	return map[string]*ruleEngine.Rule{
		"svc_test": {
			State:  ruleEngine.StateEnable,
			RuleID: "svc_test",
			ServiceRules: map[string]*ruleEngine.ServiceRule{
				"dns":    {State: ruleEngine.StateEnable, Expression: `proto == "udp" && server_port == 53`, Priority: 10},
				"http":   {State: ruleEngine.StateEnable, Expression: `proto == "tcp" && server_port == 80`, Priority: 20},
				"web":    {State: ruleEngine.StateEnable, Expression: `proto == "tcp" && server_port in [80, 8080]`, Priority: 30},
				"telnet": {State: ruleEngine.StateDisable, Expression: `server_port == 23`, Priority: 1},
			},
		},
	}
}

func tracked(t *testing.T, ft *FlowTracker, id string, f pcaptest.Frame) *types.Packet {
	t.Helper()
	pkt := decoded(t, id, f)
	ft.Track(pkt)
	return pkt
}

func TestCompileExpression(t *testing.T) {
	env, err := NewServiceEnv()
	require.NoError(t, err)

	testCases := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "合法表达式", expr: `proto == "udp" && server_port == 53`},
		{name: "使用所有变量", expr: `src_ip != dst_ip && src_port > 0 && dst_port > 0 && client_port > 0 && payload_len >= 0 && from_client`},
		{name: "未声明的变量", expr: `unknown_field == 1`, wantErr: true},
		{name: "语法错误", expr: `proto == `, wantErr: true},
		{name: "返回值不是布尔", expr: `server_port + 1`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			program, err := CompileExpression(env, tc.expr)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, program)
		})
	}
}

func TestIdentifyService(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)
	ft := NewFlowTracker(0)

	query := tracked(t, ft, "pkt-1", pcaptest.UDP("10.0.0.1:5353", "10.0.0.53:53", []byte("q")))
	service, err := si.Identify(query)
	require.NoError(t, err)
	assert.Equal(t, "dns", service)
	assert.Equal(t, "dns", query.Flow.Service())
	assert.Contains(t, eventIDs(query), host.FlowServiceChange)

	// 已识别的连接不再匹配，也不再产生事件
	answer := tracked(t, ft, "pkt-2", pcaptest.UDP("10.0.0.53:53", "10.0.0.1:5353", []byte("a")))
	service, err = si.Identify(answer)
	require.NoError(t, err)
	assert.Empty(t, service)
	assert.Empty(t, eventIDs(answer))
}

func TestIdentifyUsesServerPortAfterFlip(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)
	ft := NewFlowTracker(0)

	// 第一个包来自服务端，server_port 暂时是客户端的端口，不匹配
	first := tracked(t, ft, "pkt-1", pcaptest.TCP("10.0.0.2:80", "10.0.0.1:40000", false, true, nil))
	service, err := si.Identify(first)
	require.NoError(t, err)
	assert.Empty(t, service)

	syn := tracked(t, ft, "pkt-2", pcaptest.TCP("10.0.0.1:40000", "10.0.0.2:80", true, false, nil))
	service, err = si.Identify(syn)
	require.NoError(t, err)
	assert.Equal(t, "http", service, "lower priority value wins over web")
}

func TestIdentifyPacketWithoutFlow(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)

	arp := decoded(t, "pkt-1", pcaptest.ARP("10.0.0.1", "10.0.0.2"))
	service, err := si.Identify(arp)
	require.NoError(t, err)
	assert.Empty(t, service)
}

func TestServiceIdentifierRules(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)

	rules := si.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "dns", rules[0].Service)
	assert.Equal(t, "http", rules[1].Service)
	assert.Equal(t, "web", rules[2].Service)
}

func TestNewServiceIdentifierInvalidRule(t *testing.T) {
	rules := testRules()
	rules["svc_test"].ServiceRules["broken"] = &ruleEngine.ServiceRule{State: ruleEngine.StateEnable, Expression: "nope ==", Priority: 1}

	_, err := NewServiceIdentifier(rules)
	assert.Error(t, err)
}

func TestReloadRules(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)

	dir := t.TempDir()
	rule := "state: enable\nrule_id: svc_reload\nservice_rules:\n  ssh:\n    state: enable\n    expression: 'server_port == 22'\n    priority: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh.yaml"), []byte(rule), 0644))

	require.NoError(t, si.ReloadRules(dir))
	rules := si.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "ssh", rules[0].Service)

	// 编译失败时保留原有规则
	bad := "state: enable\nrule_id: svc_reload\nservice_rules:\n  ssh:\n    state: enable\n    expression: 'server_port =='\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ssh.yaml"), []byte(bad), 0644))
	assert.Error(t, si.ReloadRules(dir))
	assert.Len(t, si.Rules(), 1)

	assert.Error(t, si.ReloadRules(filepath.Join(dir, "missing")))
}

func TestServiceIdentifierFromShippedRules(t *testing.T) {
	si, err := NewServiceIdentifierFromDirectory("../../rules")
	require.NoError(t, err)
	assert.NotEmpty(t, si.Rules())
}

func TestServiceIdentifierProcess(t *testing.T) {
	si, err := NewServiceIdentifier(testRules())
	require.NoError(t, err)
	require.NoError(t, si.CheckReady())
	ft := NewFlowTracker(0)

	in := make(chan *types.Packet, 2)
	in <- tracked(t, ft, "pkt-1", pcaptest.UDP("10.0.0.1:5353", "10.0.0.53:53", nil))
	in <- tracked(t, ft, "pkt-2", pcaptest.UDP("10.0.0.1:5354", "10.0.0.99:9999", nil))
	close(in)

	var wg sync.WaitGroup
	wg.Add(1)
	out, err := si.Process(context.Background(), in, &wg)
	require.NoError(t, err)

	var pkts []*types.Packet
	for pkt := range out {
		pkts = append(pkts, pkt)
	}
	wg.Wait()

	require.Len(t, pkts, 2)
	assert.Equal(t, "dns", pkts[0].Flow.Service())
	assert.Equal(t, "", pkts[1].Flow.Service())
	assert.Equal(t, uint64(1), si.Metrics().EventsRaised)
}
