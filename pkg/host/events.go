package host

import "fmt"

// EventID 宿主事件总线上的事件编号
type EventID uint8

const (
	FlowStateSetup EventID = iota + 1
	FlowStateReloaded
	AuxiliaryIP
	PktWithoutFlow
	FlowServiceChange
)

var eventNames = map[EventID]string{
	FlowStateSetup:    "flow_state_setup",
	FlowStateReloaded: "flow_state_reloaded",
	AuxiliaryIP:       "auxiliary_ip",
	PktWithoutFlow:    "pkt_without_flow",
	FlowServiceChange: "flow_service_change",
}

func (e EventID) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event_%d", uint8(e))
}

// ParseEventID 根据配置中的名称查找事件编号
func ParseEventID(name string) (EventID, error) {
	for id, n := range eventNames {
		if n == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown event id: %s", name)
}
