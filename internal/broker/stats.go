package broker

import "time"

// maxSamples bounds the rolling window used for AvgProcessingTime.
const maxSamples = 100

type queueStats struct {
	total      int64
	processing int64
	completed  int64
	failed     int64

	samples []time.Duration
	next    int
}

func (s *queueStats) recordSample(d time.Duration) {
	if len(s.samples) < maxSamples {
		s.samples = append(s.samples, d)
		return
	}
	s.samples[s.next] = d
	s.next = (s.next + 1) % maxSamples
}

func averageMillis(samples []time.Duration) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return float64(sum) / float64(len(samples)) / float64(time.Millisecond)
}

func (q *queue) snapshotLocked() Stats {
	return Stats{
		TotalMessages:      q.stats.total,
		PendingMessages:    int64(len(q.pending)),
		ProcessingMessages: q.stats.processing,
		CompletedMessages:  q.stats.completed,
		FailedMessages:     q.stats.failed,
		AvgProcessingTime:  averageMillis(q.stats.samples),
		Subscribers:        len(q.handlers),
	}
}

func aggregateLocked(queues map[string]*queue) Stats {
	out := Stats{}
	var pooled []time.Duration
	for _, q := range queues {
		s := q.snapshotLocked()
		out.TotalMessages += s.TotalMessages
		out.PendingMessages += s.PendingMessages
		out.ProcessingMessages += s.ProcessingMessages
		out.CompletedMessages += s.CompletedMessages
		out.FailedMessages += s.FailedMessages
		out.Subscribers += s.Subscribers
		pooled = append(pooled, q.stats.samples...)
	}
	out.AvgProcessingTime = averageMillis(pooled)
	return out
}
