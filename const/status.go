package _const

// TriggerState 触发器在存储中的状态
type TriggerState int

const (
	StateWaiting       TriggerState = 0x00000001 // 等待被获取
	StateAcquired      TriggerState = 0x00000002 // 已被某个实例获取，等待触发
	StateExecuting     TriggerState = 0x00000003 // 触发后任务执行中
	StateComplete      TriggerState = 0x00000004 // 不会再次触发
	StateBlocked       TriggerState = 0x00000005 // 同一个有状态Job的其他触发器正在执行
	StateError         TriggerState = 0x00000006 // 触发失败，不再参与调度
	StatePaused        TriggerState = 0x00000007 // 暂停
	StatePausedBlocked TriggerState = 0x00000008 // 暂停且被阻塞
	StateMisfired      TriggerState = 0x00000009 // 错过触发时间，等待修复
	StateDeleted       TriggerState = 0x0000000A // 不存在
)

func (s TriggerState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateAcquired:
		return "ACQUIRED"
	case StateExecuting:
		return "EXECUTING"
	case StateComplete:
		return "COMPLETE"
	case StateBlocked:
		return "BLOCKED"
	case StateError:
		return "ERROR"
	case StatePaused:
		return "PAUSED"
	case StatePausedBlocked:
		return "PAUSED_BLOCKED"
	case StateMisfired:
		return "MISFIRED"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}
