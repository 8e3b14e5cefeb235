// Package metrics 进程级计数器（expvar）与调试端点。
package metrics

import (
	"expvar"
	"net/http"
	"net/http/pprof"
)

var (
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileErrors = expvar.NewInt("reconcile_errors")
	Divergences     = expvar.NewInt("reconcile_divergences")
	Anomalies       = expvar.NewInt("position_anomalies")

	FillsPublished = expvar.NewInt("fills_published")
	HedgesOK       = expvar.NewInt("hedges_ok")
	HedgesFailed   = expvar.NewInt("hedges_failed")
	HedgeTimeouts  = expvar.NewInt("hedge_outcome_timeouts")

	Flattens        = expvar.NewInt("flattens")
	FlattenFailures = expvar.NewInt("flatten_failures")
)

var profiles = map[string]http.HandlerFunc{
	"cmdline": pprof.Cmdline,
	"profile": pprof.Profile,
	"symbol":  pprof.Symbol,
	"trace":   pprof.Trace,
}

// Handler /debug/vars 和 /debug/pprof/*，由控制接口挂载；只应监听内网
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	for name, h := range profiles {
		mux.HandleFunc("/debug/pprof/"+name, h)
	}
	return mux
}
