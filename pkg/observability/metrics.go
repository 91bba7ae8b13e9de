package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry Metrics
var (
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_registry_agents",
			Help: "Number of online agents by zone and status",
		},
		[]string{"zone", "status"}, // IDLE, BUSY
	)

	AgentsOfflineTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_registry_agents_offline_total",
			Help: "Total number of agents evicted from the online set",
		},
		[]string{"zone"},
	)
)

// Router Metrics
var (
	CommandsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_commands_dispatched_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"zone", "type", "result"}, // sent, delivery_failed, not_found, not_available, error
	)

	CommandStatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_command_status_transitions_total",
			Help: "Total number of accepted command status transitions",
		},
		[]string{"status"},
	)

	CommandReportsIgnoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_command_reports_ignored_total",
			Help: "Status reports dropped because the transition was not forward",
		},
	)

	CommandTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_command_timeouts_total",
			Help: "Total number of commands marked TIMEOUT_KILL",
		},
		[]string{"zone"},
	)

	CommandLogHandoffDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_command_log_handoff_dropped_total",
			Help: "Full log paths not queued because the hand-off queue was full",
		},
	)
)

// Queue Metrics
var (
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_queue_messages_total",
			Help: "Total number of queue messages handled by outcome",
		},
		[]string{"result"}, // sent, requeued, exhausted, failed, malformed
	)

	QueueRequeuePriority = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetd_queue_requeue_priority",
			Help:    "Priority assigned to re-published messages",
			Buckets: prometheus.LinearBuckets(0, 2, 11),
		},
	)
)

// Fleet Sizing Metrics
var (
	SizingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_sizing_actions_total",
			Help: "Total number of fleet sizing actions",
		},
		[]string{"zone", "action"}, // start, shutdown
	)

	SizingInstancesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_sizing_instances_requested_total",
			Help: "Total number of instances requested from the provisioner",
		},
		[]string{"zone"},
	)

	SessionsReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_sessions_reaped_total",
			Help: "Total number of sessions closed for exceeding their timeout",
		},
		[]string{"zone"},
	)
)

// Agent Metrics
var (
	AgentSlotsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_agent_slots_busy",
			Help: "Execution slots currently running a process",
		},
	)

	AgentCommandsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_agent_commands_rejected_total",
			Help: "Commands rejected because every execution slot was busy",
		},
	)

	AgentCommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_agent_command_duration_seconds",
			Help:    "Wall time of executed commands",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	AgentLogLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_agent_log_lines_total",
			Help: "Output lines processed by the log shipper",
		},
		[]string{"result"}, // shipped, dropped, disabled
	)
)

// Coordinator Metrics
var (
	CoordinatorLeaderElections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_coordinator_leader_elections_total",
			Help: "Total number of leader elections",
		},
		[]string{"result"}, // won, lost
	)

	CoordinatorIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_coordinator_is_leader",
			Help: "Whether this coordinator is the raft leader (1) or not (0)",
		},
	)

	CoordinatorRaftLogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_coordinator_raft_log_entries",
			Help: "Index of the last raft log entry",
		},
	)

	CoordinatorTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_coordinator_task_duration_seconds",
			Help:    "Duration of periodic coordinator tasks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	CoordinatorRaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_coordinator_raft_applied_index",
			Help: "Last applied raft index",
		},
	)
)

// System Metrics
var (
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_system_info",
			Help: "Build information",
		},
		[]string{"component", "version", "commit"},
	)
)
