package _const

// MisfireInstruction 错过触发时间后的修复策略
type MisfireInstruction int

const (
	MisfireIgnore      MisfireInstruction = -1         // 忽略，不修正下次触发时间，尽快触发
	MisfireSmartPolicy MisfireInstruction = 0x00000000 // 由调度类型决定，目前等同于FireNow
	MisfireFireNow     MisfireInstruction = 0x00000001 // 立即触发一次
	MisfireDoNothing   MisfireInstruction = 0x00000002 // 跳过错过的触发，按调度计算下一次
)

func (m MisfireInstruction) String() string {
	switch m {
	case MisfireIgnore:
		return "ignore"
	case MisfireSmartPolicy:
		return "smart"
	case MisfireFireNow:
		return "fire-now"
	case MisfireDoNothing:
		return "do-nothing"
	default:
		return "unknown"
	}
}

// CompletedExecutionInstruction 任务执行完成后对触发器的处理指令
type CompletedExecutionInstruction int

const (
	InstructionNoop                      CompletedExecutionInstruction = 0x00000000
	InstructionDeleteTrigger             CompletedExecutionInstruction = 0x00000001
	InstructionSetTriggerComplete        CompletedExecutionInstruction = 0x00000002
	InstructionSetTriggerError           CompletedExecutionInstruction = 0x00000003
	InstructionSetAllJobTriggersComplete CompletedExecutionInstruction = 0x00000004
	InstructionSetAllJobTriggersError    CompletedExecutionInstruction = 0x00000005
)

func (c CompletedExecutionInstruction) String() string {
	switch c {
	case InstructionNoop:
		return "noop"
	case InstructionDeleteTrigger:
		return "delete-trigger"
	case InstructionSetTriggerComplete:
		return "set-trigger-complete"
	case InstructionSetTriggerError:
		return "set-trigger-error"
	case InstructionSetAllJobTriggersComplete:
		return "set-all-job-triggers-complete"
	case InstructionSetAllJobTriggersError:
		return "set-all-job-triggers-error"
	default:
		return "unknown"
	}
}
