package _const

// DefaultPriority 触发器默认优先级，下次触发时间相同时优先级高者先被获取
const DefaultPriority = 5
