package domain

import (
	_const "github.com/TimeWtr/jobstore/const"
)

// Key Job和Trigger的唯一标识，名称在分组内唯一
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func NewKey(name, group string) Key {
	if group == "" {
		group = _const.DefaultGroup
	}
	return Key{Name: name, Group: group}
}

func (k Key) String() string {
	return k.Group + "." + k.Name
}

func (k Key) IsZero() bool {
	return k.Name == ""
}
