package processor

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/haolipeng/network_mapping/pkg/host"
	"github.com/haolipeng/network_mapping/pkg/metrics"
	"github.com/haolipeng/network_mapping/pkg/ruleEngine"
	"github.com/haolipeng/network_mapping/pkg/types"
	"github.com/sirupsen/logrus"
)

// compiledRule 编译后的服务识别规则
type compiledRule struct {
	ruleEngine.NamedServiceRule
	program cel.Program
}

// ServiceIdentifier 用CEL规则识别连接的服务。
// 每个连接第一次匹配成功时写入服务名并产生 FlowServiceChange 事件，之后不再匹配。
type ServiceIdentifier struct {
	mu      sync.RWMutex // 保护规则，规则可能被动态更新
	Env     *cel.Env
	rules   []compiledRule
	hashes  map[string]string // 规则ID/服务名 -> 表达式哈希，用于跟踪规则变化
	metrics *metrics.ProcessorMetrics
}

// NewServiceEnv 创建声明了所有规则变量的CEL环境
func NewServiceEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("proto", cel.StringType),
		cel.Variable("src_ip", cel.StringType),
		cel.Variable("dst_ip", cel.StringType),
		cel.Variable("src_port", cel.IntType),
		cel.Variable("dst_port", cel.IntType),
		cel.Variable("client_port", cel.IntType),
		cel.Variable("server_port", cel.IntType),
		cel.Variable("payload_len", cel.IntType),
		cel.Variable("from_client", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %w", err)
	}
	return env, nil
}

// CompileExpression 编译并检查一条规则表达式，结果必须是布尔值
func CompileExpression(env *cel.Env, expression string) (cel.Program, error) {
	// 1.编译表达式，生成AST
	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %w", iss.Err())
	}

	// 2.检查表达式的返回类型
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	// 3.将AST转换为程序Program
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %w", err)
	}
	return program, nil
}

func NewServiceIdentifier(rules map[string]*ruleEngine.Rule) (*ServiceIdentifier, error) {
	env, err := NewServiceEnv()
	if err != nil {
		return nil, err
	}

	s := &ServiceIdentifier{
		Env:     env,
		hashes:  make(map[string]string),
		metrics: &metrics.ProcessorMetrics{},
	}
	if err := s.UpdateRules(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// NewServiceIdentifierFromDirectory 从规则目录加载规则并创建服务识别处理器
func NewServiceIdentifierFromDirectory(ruleDirectory string) (*ServiceIdentifier, error) {
	loader := ruleEngine.NewRuleLoader()
	if err := loader.LoadRulesFromDirectory(ruleDirectory); err != nil {
		return nil, fmt.Errorf("load rules failed: %w", err)
	}
	return NewServiceIdentifier(loader.GetAllRules())
}

// UpdateRules 整体替换规则，编译失败时保留原有规则
func (s *ServiceIdentifier) UpdateRules(rules map[string]*ruleEngine.Rule) error {
	ordered := ruleEngine.Ordered(rules)
	compiled := make([]compiledRule, 0, len(ordered))
	hashes := make(map[string]string, len(ordered))

	for _, r := range ordered {
		program, err := CompileExpression(s.Env, r.Expression)
		if err != nil {
			return fmt.Errorf("compile rule failed for rule %s, service %s: %w", r.RuleID, r.Service, err)
		}
		compiled = append(compiled, compiledRule{NamedServiceRule: r, program: program})
		hashes[r.RuleID+"/"+r.Service] = calculateExpressionHash(r.Expression)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, hash := range hashes {
		if old, ok := s.hashes[key]; !ok {
			logrus.Debugf("Service rule %s added", key)
		} else if old != hash {
			logrus.Infof("Service rule %s changed", key)
		}
	}
	for key := range s.hashes {
		if _, ok := hashes[key]; !ok {
			logrus.Infof("Service rule %s removed", key)
		}
	}

	s.rules = compiled
	s.hashes = hashes
	logrus.Infof("Loaded %d service rules", len(compiled))
	return nil
}

// ReloadRules 从规则目录重新加载规则
func (s *ServiceIdentifier) ReloadRules(ruleDirectory string) error {
	loader := ruleEngine.NewRuleLoader()
	if err := loader.LoadRulesFromDirectory(ruleDirectory); err != nil {
		return fmt.Errorf("加载规则目录失败: %w", err)
	}
	return s.UpdateRules(loader.GetAllRules())
}

// Rules 当前生效的规则，按匹配顺序排列
func (s *ServiceIdentifier) Rules() []ruleEngine.NamedServiceRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ruleEngine.NamedServiceRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.NamedServiceRule)
	}
	return out
}

func (s *ServiceIdentifier) Process(ctx context.Context, in <-chan *types.Packet, wg *sync.WaitGroup) (<-chan *types.Packet, error) {
	out := make(chan *types.Packet, 1000)

	go func() {
		defer wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				logrus.Debug("Service identifier stopping due to context cancellation")
				return
			case packet, ok := <-in:
				if !ok {
					logrus.Debug("Service identifier: input channel closed")
					return
				}
				if packet == nil {
					continue
				}

				begin := time.Now()
				if _, err := s.Identify(packet); err != nil {
					logrus.Warnf("Service identification failed for packet %s: %v", packet.ID, err)
				}
				s.metrics.IncrementProcessed()
				s.metrics.AddProcessingTime(time.Since(begin))

				select {
				case out <- packet:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Identify 对尚未识别服务的连接按顺序匹配规则，返回识别出的服务名
func (s *ServiceIdentifier) Identify(packet *types.Packet) (string, error) {
	flow := packet.Flow
	if flow == nil || flow.Service() != "" {
		return "", nil
	}

	vars := buildEvalVars(packet)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules {
		matched, err := evaluateRule(r.program, vars)
		if err != nil {
			return "", fmt.Errorf("rule %s/%s: %w", r.RuleID, r.Service, err)
		}
		if !matched {
			continue
		}

		if flow.SetService(r.Service) {
			packet.Raise(host.FlowServiceChange)
			s.metrics.IncrementEvents()
			logrus.Debugf("Flow %s <-> %s identified as %s", flow.Client(), flow.Server(), r.Service)
		}
		return r.Service, nil
	}
	return "", nil
}

// buildEvalVars 根据数据包构建评估变量
func buildEvalVars(packet *types.Packet) map[string]interface{} {
	vars := map[string]interface{}{
		"proto":       packet.Protocol,
		"src_ip":      packet.SrcAddr.Addr().String(),
		"dst_ip":      packet.DstAddr.Addr().String(),
		"src_port":    int64(packet.SrcAddr.Port()),
		"dst_port":    int64(packet.DstAddr.Port()),
		"client_port": int64(0),
		"server_port": int64(0),
		"payload_len": int64(packet.PayloadLen),
		"from_client": packet.FromClient,
	}
	if packet.Flow != nil {
		vars["client_port"] = int64(packet.Flow.Client().Port())
		vars["server_port"] = int64(packet.Flow.Server().Port())
	}
	return vars
}

// evaluateRule 执行规则程序并返回匹配结果
func evaluateRule(program cel.Program, vars map[string]interface{}) (bool, error) {
	if program == nil {
		return false, fmt.Errorf("program is nil")
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate rule failed: %w", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not boolean: %v", result.Value())
	}
	return matched, nil
}

// calculateExpressionHash 计算表达式的哈希值
func calculateExpressionHash(expression string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(expression)))
}

func (s *ServiceIdentifier) Stage() types.Stage {
	return types.StageServiceIdentification
}

func (s *ServiceIdentifier) Name() string {
	return "ServiceIdentifier"
}

func (s *ServiceIdentifier) CheckReady() error {
	if s.Env == nil {
		return types.ErrProcessorNotReady
	}
	return nil
}

func (s *ServiceIdentifier) Metrics() *metrics.ProcessorMetrics {
	return s.metrics
}
