package jobstore

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	triggersAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobstore",
		Name:      "triggers_acquired_total",
		Help:      "Number of triggers acquired for firing.",
	}, []string{"scheduler"})
	triggersFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobstore",
		Name:      "triggers_fired_total",
		Help:      "Number of triggers fired, by outcome.",
	}, []string{"scheduler", "outcome"})
	misfiresHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobstore",
		Name:      "misfires_handled_total",
		Help:      "Number of misfired triggers repaired.",
	}, []string{"scheduler"})
	instancesRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobstore",
		Name:      "cluster_instances_recovered_total",
		Help:      "Number of failed scheduler instances recovered.",
	}, []string{"scheduler"})
	loopFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobstore",
		Name:      "loop_failures_total",
		Help:      "Number of failed background loop cycles.",
	}, []string{"scheduler", "loop"})
)

// RegisterMetrics 注册调度存储的指标
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		triggersAcquired, triggersFired, misfiresHandled, instancesRecovered, loopFailures,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
