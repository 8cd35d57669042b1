package stats

import (
	"sort"
	"sync"
)

// WorstPerformerLimit bounds the retained list of heaviest samples.
const WorstPerformerLimit = 10

// Histogram defaults per metric. CPU times are seconds, network is bytes.
const (
	cpuHistWidth = 1.0
	cpuHistBins  = 20
	netHistWidth = 64 * 1024
	netHistBins  = 20
)

// ResourceSample is the per-task resource report a client posts once on
// task completion.
type ResourceSample struct {
	ClientID     string  `json:"client_id"`
	TaskID       string  `json:"task_id"`
	UserCPU      float64 `json:"user_cpu"`
	SystemCPU    float64 `json:"system_cpu"`
	NetworkBytes int64   `json:"network_bytes"`
}

// TotalCPU is the worst-performer ranking key.
func (s ResourceSample) TotalCPU() float64 {
	return s.UserCPU + s.SystemCPU
}

// CPUPair is a (user, system) CPU time pair.
type CPUPair struct {
	UserCPU   float64 `json:"user_cpu"`
	SystemCPU float64 `json:"system_cpu"`
}

// ResourceUsage is the result of a usage query. Exactly one field is set:
// PerTask when the query was not grouped, PerClient when it was.
type ResourceUsage struct {
	// PerTask maps client id -> task id -> CPU pair.
	PerTask map[string]map[string]CPUPair `json:"per_task,omitempty"`
	// PerClient maps client id -> summed CPU pair.
	PerClient map[string]CPUPair `json:"per_client,omitempty"`
}

// Usage aggregates resource samples for one hunt: an accumulator per
// metric, the bounded worst-performer list, and the raw samples backing
// usage queries.
type Usage struct {
	userCPU      *Accumulator
	systemCPU    *Accumulator
	networkBytes *Accumulator

	mu      sync.Mutex
	worst   []ResourceSample
	samples []ResourceSample
}

// NewUsage returns an empty usage aggregate.
func NewUsage() *Usage {
	return &Usage{
		userCPU:      NewAccumulator(cpuHistWidth, cpuHistBins),
		systemCPU:    NewAccumulator(cpuHistWidth, cpuHistBins),
		networkBytes: NewAccumulator(netHistWidth, netHistBins),
	}
}

// Record folds one completed task's sample into all aggregates.
func (u *Usage) Record(sample ResourceSample) {
	u.userCPU.Add(sample.UserCPU)
	u.systemCPU.Add(sample.SystemCPU)
	u.networkBytes.Add(float64(sample.NetworkBytes))

	u.mu.Lock()
	defer u.mu.Unlock()

	u.samples = append(u.samples, sample)
	u.insertWorstLocked(sample)
}

// insertWorstLocked keeps worst sorted descending by TotalCPU, capped at
// WorstPerformerLimit.
func (u *Usage) insertWorstLocked(sample ResourceSample) {
	total := sample.TotalCPU()
	idx := sort.Search(len(u.worst), func(i int) bool {
		return u.worst[i].TotalCPU() < total
	})
	if idx >= WorstPerformerLimit {
		return
	}

	u.worst = append(u.worst, ResourceSample{})
	copy(u.worst[idx+1:], u.worst[idx:])
	u.worst[idx] = sample
	if len(u.worst) > WorstPerformerLimit {
		u.worst = u.worst[:WorstPerformerLimit]
	}
}

// WorstPerformers returns the retained heaviest samples, sorted descending
// by combined CPU time.
func (u *Usage) WorstPerformers() []ResourceSample {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]ResourceSample, len(u.worst))
	copy(out, u.worst)
	return out
}

// UserCPU returns the user CPU accumulator.
func (u *Usage) UserCPU() *Accumulator { return u.userCPU }

// SystemCPU returns the system CPU accumulator.
func (u *Usage) SystemCPU() *Accumulator { return u.systemCPU }

// NetworkBytes returns the network bytes accumulator.
func (u *Usage) NetworkBytes() *Accumulator { return u.networkBytes }

// ResourceUsage answers a usage query. clientID filters to one client when
// non-empty. With groupByClient the per-task pairs are summed per client;
// otherwise each client's per-task pairs are returned individually.
func (u *Usage) ResourceUsage(clientID string, groupByClient bool) ResourceUsage {
	u.mu.Lock()
	defer u.mu.Unlock()

	if groupByClient {
		grouped := make(map[string]CPUPair)
		for _, s := range u.samples {
			if clientID != "" && s.ClientID != clientID {
				continue
			}
			pair := grouped[s.ClientID]
			pair.UserCPU += s.UserCPU
			pair.SystemCPU += s.SystemCPU
			grouped[s.ClientID] = pair
		}
		return ResourceUsage{PerClient: grouped}
	}

	perTask := make(map[string]map[string]CPUPair)
	for _, s := range u.samples {
		if clientID != "" && s.ClientID != clientID {
			continue
		}
		tasks, ok := perTask[s.ClientID]
		if !ok {
			tasks = make(map[string]CPUPair)
			perTask[s.ClientID] = tasks
		}
		tasks[s.TaskID] = CPUPair{UserCPU: s.UserCPU, SystemCPU: s.SystemCPU}
	}
	return ResourceUsage{PerTask: perTask}
}

// UsageSummary is the per-metric aggregate block of a hunt summary.
type UsageSummary struct {
	UserCPU         MetricSummary    `json:"user_cpu"`
	SystemCPU       MetricSummary    `json:"system_cpu"`
	NetworkBytes    MetricSummary    `json:"network_bytes"`
	WorstPerformers []ResourceSample `json:"worst_performers"`
}

// Summary snapshots all three metrics and the worst-performer list.
func (u *Usage) Summary() UsageSummary {
	return UsageSummary{
		UserCPU:         u.userCPU.Summary(),
		SystemCPU:       u.systemCPU.Summary(),
		NetworkBytes:    u.networkBytes.Summary(),
		WorstPerformers: u.WorstPerformers(),
	}
}
