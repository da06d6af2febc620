package pipeline

// FillBatchSize maps the fill-queue depth to how many fills one
// broadcast cycle absorbs atomically. Deeper queues batch harder so the
// bot converges instead of thrashing one fill at a time.
func FillBatchSize(queueDepth int) int {
	switch {
	case queueDepth >= 15:
		return 4
	case queueDepth >= 6:
		return 3
	case queueDepth >= 3:
		return 2
	default:
		return 1
	}
}
