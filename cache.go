package jobstore

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/TimeWtr/jobstore/domain"
)

// calendarCache 进程内的日历读缓存，日历读取后不会被修改，更新或删除时失效
type calendarCache struct {
	c *cache.Cache
}

// newCalendarCache ttl<=0表示不过期；集群模式下其他实例可能修改日历，需要设置过期时间
func newCalendarCache(ttl time.Duration) *calendarCache {
	expiration := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		expiration = ttl
		cleanup = 2 * ttl
	}
	return &calendarCache{c: cache.New(expiration, cleanup)}
}

func (l *calendarCache) Get(name string) (domain.Calendar, bool) {
	v, ok := l.c.Get(name)
	if !ok {
		return nil, false
	}
	cal, ok := v.(domain.Calendar)
	return cal, ok
}

func (l *calendarCache) Set(name string, cal domain.Calendar) {
	l.c.SetDefault(name, cal)
}

func (l *calendarCache) Del(name string) {
	l.c.Delete(name)
}

func (l *calendarCache) Flush() {
	l.c.Flush()
}
