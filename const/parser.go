package _const

import (
	"github.com/robfig/cron/v3"
)

// Parser 定时时间解析器，秒字段可选
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
