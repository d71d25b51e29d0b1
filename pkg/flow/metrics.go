package flow

var (
	MetricFrameInCount           = []string{"comlink", "flow", "frame", "in", "count"}
	MetricFrameInErrorCount      = []string{"comlink", "flow", "frame", "in", "error", "count"}
	MetricFrameOutCount          = []string{"comlink", "flow", "frame", "out", "count"}
	MetricFrameOutErrorCount     = []string{"comlink", "flow", "frame", "out", "error", "count"}
	MetricBytesIn                = []string{"comlink", "flow", "bytes", "in"}
	MetricBytesOut               = []string{"comlink", "flow", "bytes", "out"}
	MetricStreamEstInCount       = []string{"comlink", "flow", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"comlink", "flow", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"comlink", "flow", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"comlink", "flow", "stream", "establishment", "out", "error", "count"}
	MetricStreamClosedCount      = []string{"comlink", "flow", "stream", "closed", "count"}
)
