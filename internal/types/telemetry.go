package types

// Telemetry metric names. Components publishing metrics use these constants.
const (
	MetricRunsIngested  = "RunsIngested"
	MetricRunsFailed    = "RunsFailed"
	MetricRunsSkipped   = "RunsSkipped"
	MetricSyncDuration  = "SyncDuration"
	MetricAPILatency    = "APILatency"
	MetricAPIRequestCnt = "APIRequestCount"

	DimDataset  = "Dataset"
	DimEndpoint = "Endpoint"

	MetricNamespace = "FireRisk"
)
