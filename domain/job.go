package domain

import (
	stdjson "encoding/json"
	"errors"
	"strconv"
)

// JobDetail 持久化的Job定义
type JobDetail struct {
	Key         Key
	Description string
	// JobType 存储的任务类型标识，由TypeResolver解析为可执行的方法
	JobType string
	// Durable 没有触发器引用时是否保留
	Durable bool
	// ConcurrentExecutionDisallowed 有状态Job，集群内同一时刻最多执行一次
	ConcurrentExecutionDisallowed bool
	// PersistJobDataAfterExecution 执行完成后回写JobData
	PersistJobDataAfterExecution bool
	// RequestsRecovery 执行实例故障后需要恢复执行
	RequestsRecovery bool
	JobData          *JobDataMap
}

func (j *JobDetail) Validate() error {
	if j.Key.Name == "" {
		return errors.New("job name cannot be empty")
	}
	if j.JobType == "" {
		return errors.New("job type cannot be empty")
	}
	return nil
}

func (j *JobDetail) Clone() *JobDetail {
	c := *j
	c.JobData = j.JobData.Clone()
	return &c
}

// JobDataMap 记录是否被修改过的数据集合
type JobDataMap struct {
	data  map[string]any
	dirty bool
}

func NewJobDataMap() *JobDataMap {
	return &JobDataMap{data: map[string]any{}}
}

func NewJobDataMapFrom(m map[string]any) *JobDataMap {
	data := make(map[string]any, len(m))
	for k, v := range m {
		data[k] = v
	}
	return &JobDataMap{data: data}
}

func (m *JobDataMap) Put(key string, value any) {
	if m.data == nil {
		m.data = map[string]any{}
	}
	m.data[key] = value
	m.dirty = true
}

func (m *JobDataMap) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.data[key]
	return v, ok
}

func (m *JobDataMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetInt64 读取整数，兼容写入时的整数类型和解码后的json.Number
func (m *JobDataMap) GetInt64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case stdjson.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func (m *JobDataMap) Remove(key string) {
	if m == nil {
		return
	}
	if _, ok := m.data[key]; ok {
		delete(m.data, key)
		m.dirty = true
	}
}

func (m *JobDataMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.data)
}

func (m *JobDataMap) Dirty() bool {
	return m != nil && m.dirty
}

func (m *JobDataMap) ClearDirty() {
	if m != nil {
		m.dirty = false
	}
}

// Map 返回数据的拷贝
func (m *JobDataMap) Map() map[string]any {
	res := make(map[string]any, m.Len())
	if m == nil {
		return res
	}
	for k, v := range m.data {
		res[k] = v
	}
	return res
}

func (m *JobDataMap) Clone() *JobDataMap {
	if m == nil {
		return nil
	}
	c := NewJobDataMapFrom(m.data)
	c.dirty = m.dirty
	return c
}

func (m *JobDataMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

func (m *JobDataMap) UnmarshalJSON(b []byte) error {
	data := map[string]any{}
	if err := dataJSON.Unmarshal(b, &data); err != nil {
		return err
	}
	m.data = data
	m.dirty = false
	return nil
}
