package deployment

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/stevedore/internal/model"
)

var (
	deploymentStatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stevedore_deployment_states_total",
			Help: "Total deployment state transitions recorded by the pipeline.",
		},
		[]string{"state"},
	)

	runningDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stevedore_deployments_running",
			Help: "Number of deployments currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(deploymentStatesTotal)
	prometheus.MustRegister(runningDeployments)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, state := range []string{
		model.DeploymentBuilding, model.DeploymentBuilt, model.DeploymentLoading,
		model.DeploymentRunning, model.DeploymentCompleted, model.DeploymentStopped,
		model.DeploymentCrashed,
	} {
		deploymentStatesTotal.WithLabelValues(state)
	}
}
