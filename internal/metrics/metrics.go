package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signalgw"

var (
	once sync.Once

	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Inbound protocol messages by handler and outcome.",
		},
		[]string{"handler", "result"},
	)

	errorResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_responses_total",
			Help:      "ERROR messages returned, by code.",
		},
		[]string{"code"},
	)

	taskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_task_transitions_total",
			Help:      "Sync task state transitions by target status and sync type.",
		},
		[]string{"status", "sync_type"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_task_duration_seconds",
			Help:      "Execution time of sync tasks that reached a terminal state after running.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_queue_depth",
		Help:      "Sync tasks waiting in the priority queue.",
	})

	runningTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_tasks_running",
		Help:      "Sync tasks currently executing.",
	})

	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Notify pushes by object and delivery result.",
		},
		[]string{"object", "result"},
	)

	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "Active (peer, object) subscriptions.",
	})

	connectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Peers connected to the gateway endpoint.",
	})

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	botCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bot_commands_total",
			Help:      "Operator bot commands by command and result.",
		},
		[]string{"command", "result"},
	)

	reportRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_rows_total",
			Help:      "Task report rows written to the spreadsheet, by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			messagesDispatched,
			errorResponses,
			taskTransitions,
			taskDuration,
			queueDepth,
			runningTasks,
			pushes,
			activeSubscriptions,
			connectedPeers,
			httpRequests,
			botCommands,
			reportRows,
		)
	})
}

func IncDispatched(handler, result string) {
	messagesDispatched.WithLabelValues(handler, result).Inc()
}

func IncErrorResponse(code string) {
	errorResponses.WithLabelValues(code).Inc()
}

func IncTaskTransition(status, syncType string) {
	taskTransitions.WithLabelValues(status, syncType).Inc()
}

func ObserveTaskDuration(status string, seconds float64) {
	taskDuration.WithLabelValues(status).Observe(seconds)
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func SetRunningTasks(n int) {
	runningTasks.Set(float64(n))
}

func IncPush(object, result string) {
	pushes.WithLabelValues(object, result).Inc()
}

func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

func SetConnectedPeers(n int) {
	connectedPeers.Set(float64(n))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncBotCommand(command, result string) {
	botCommands.WithLabelValues(command, result).Inc()
}

func IncReportRow(result string) {
	reportRows.WithLabelValues(result).Inc()
}
