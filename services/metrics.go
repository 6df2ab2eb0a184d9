package services

import "github.com/prometheus/client_golang/prometheus"

var (
	scansInsertedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nifti2database_scans_inserted_total",
		Help: "Total number of scan documents inserted into the database.",
	})
	scansSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nifti2database_scans_skipped_total",
		Help: "Total number of scans skipped because their SeriesInstanceUID was already stored.",
	})
	statementsPreparedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nifti2database_statements_prepared_total",
		Help: "Total number of SQL insert statements written in prepare mode.",
	})
	volumesProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nifti2database_volumes_processed_total",
		Help: "Total number of nifti volumes read.",
	})
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nifti2database_runs_total",
		Help: "Pipeline runs by mode and result.",
	}, []string{"mode", "result"})
)

func init() {
	prometheus.MustRegister(
		scansInsertedCounter,
		scansSkippedCounter,
		statementsPreparedCounter,
		volumesProcessedCounter,
		runsCounter,
	)
}
