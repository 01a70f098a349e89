package healthendpoint

import (
	"code.cloudfoundry.org/lager/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func RegisterCollectors(registrar prometheus.Registerer, cs []prometheus.Collector, includeDefault bool, logger lager.Logger) {
	if includeDefault {
		err := registrar.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err != nil {
			logger.Error("failed-to-register-process-collector", err)
		}
		err = registrar.Register(collectors.NewGoCollector())
		if err != nil {
			logger.Error("failed-to-register-go-collector", err)
		}
	}

	for _, c := range cs {
		err := registrar.Register(c)
		if err != nil {
			logger.Error("failed-to-register-collector", err, lager.Data{"collector": c})
		}
	}
}
