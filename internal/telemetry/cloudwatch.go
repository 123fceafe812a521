package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"firerisk/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// SyncMetrics publishes one archive sync pass per dataset.
//
// Metrics emitted, all with a Dataset dimension:
//   - RunsIngested, RunsSkipped, RunsFailed: Count
//   - SyncDuration: Milliseconds
type SyncMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewSyncMetrics creates SyncMetrics. An empty namespace uses the default.
func NewSyncMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *SyncMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordSync emits the counters of one dataset's pass in a single call.
// Publishing failures are logged and never fail the sync.
func (m *SyncMetrics) RecordSync(ctx context.Context, dataset string, ingested, skipped, failed int, elapsed time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimDataset), Value: aws.String(dataset)},
	}
	datum := func(name string, v float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(v),
			Unit:       unit,
			Dimensions: dims,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum(types.MetricRunsIngested, float64(ingested), cwtypes.StandardUnitCount),
			datum(types.MetricRunsSkipped, float64(skipped), cwtypes.StandardUnitCount),
			datum(types.MetricRunsFailed, float64(failed), cwtypes.StandardUnitCount),
			datum(types.MetricSyncDuration, float64(elapsed.Milliseconds()), cwtypes.StandardUnitMilliseconds),
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record sync metrics",
			"error", err.Error(),
			"dataset", dataset,
		)
	}
}
