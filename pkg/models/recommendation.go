package models

// ActionType represents the kind of scaling or resource action recommended
type ActionType string

const (
	ActionScaleUp             ActionType = "scale_up"
	ActionScaleDown           ActionType = "scale_down"
	ActionIncreaseMemoryLimit ActionType = "increase_memory_limit"
	ActionDecreaseCPURequest  ActionType = "decrease_cpu_request"
	ActionAlertWarning        ActionType = "alert_warning"
	ActionAlertCritical       ActionType = "alert_critical"
	ActionPreemptiveScale     ActionType = "preemptive_scale"
	ActionNoAction            ActionType = "no_action"
)

// IsScaling reports whether the action changes the replica count
func (a ActionType) IsScaling() bool {
	return a == ActionScaleUp || a == ActionScaleDown || a == ActionPreemptiveScale
}

// Urgency represents how quickly a recommendation should be acted on
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Recommendation is a single actionable decision produced by the engine.
// Reason always cites the numeric condition that triggered it.
type Recommendation struct {
	Action         ActionType `json:"action"`
	TargetReplicas int        `json:"target_replicas,omitempty"`
	Reason         string     `json:"reason"`
	Confidence     float64    `json:"confidence"` // [0,1]
	Urgency        Urgency    `json:"urgency"`
}

// CurrentState is the resource snapshot of a workload at evaluation time.
// LowCPUStreak counts consecutive evaluations below the scale-down threshold;
// it is maintained by the scoring loop so the engine stays stateless.
type CurrentState struct {
	Workload          string  `json:"workload"`
	Namespace         string  `json:"namespace"`
	Replicas          int     `json:"replicas"`
	MinReplicas       int     `json:"min_replicas"`
	MaxReplicas       int     `json:"max_replicas"`
	CPUUtilization    float64 `json:"cpu_utilization"`
	CPUTrailingAvg    float64 `json:"cpu_trailing_avg"`
	MemoryUtilization float64 `json:"memory_utilization"`
	CPURequestMilli   int64   `json:"cpu_request_millicores"`
	CPULimitMilli     int64   `json:"cpu_limit_millicores"`
	MemoryRequest     int64   `json:"memory_request_bytes"`
	MemoryLimit       int64   `json:"memory_limit_bytes"`
	LowCPUStreak      int     `json:"low_cpu_streak"`
}
