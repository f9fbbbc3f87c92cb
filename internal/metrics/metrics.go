package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the service
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route pattern, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // WebhooksReceived counts inbound channel webhooks by outcome (created, changed, unchanged, duplicate, error)
    WebhooksReceived = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orderhub_webhooks_total", Help: "Inbound channel webhooks by outcome."},
        []string{"channel", "outcome"},
    )
    // DispatchAcks counts realtime emissions by final acknowledgement outcome
    DispatchAcks = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orderhub_dispatch_acks_total", Help: "Realtime emissions by transport, event, and outcome."},
        []string{"transport", "event", "outcome"},
    )
    // DispatchAttempts counts every send, retries included
    DispatchAttempts = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orderhub_dispatch_attempts_total", Help: "Realtime send attempts including retries."},
        []string{"transport", "event"},
    )
    // QueueItems counts processed queue items by kind and outcome
    QueueItems = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "orderhub_queue_items_total", Help: "Queue items processed by kind and outcome."},
        []string{"kind", "outcome"},
    )
    // ChannelCalls tracks outbound channel API latency in seconds
    ChannelCalls = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "orderhub_channel_call_seconds", Help: "Outbound channel API call latency.", Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10}},
        []string{"channel", "op", "status"},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(WebhooksReceived)
        Registry.MustRegister(DispatchAcks)
        Registry.MustRegister(DispatchAttempts)
        Registry.MustRegister(QueueItems)
        Registry.MustRegister(ChannelCalls)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
