package event

// EventProcessor 事件处理器接口（通知服务实现，避免循环依赖）
type EventProcessor interface {
	ProcessEvent(event *Event)
}

// ProcessorFunc 函数适配
type ProcessorFunc func(event *Event)

// ProcessEvent 调用函数
func (f ProcessorFunc) ProcessEvent(event *Event) {
	f(event)
}
