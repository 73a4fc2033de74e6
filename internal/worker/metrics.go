// Prometheus instrumentation for the delivery worker. Counters only: the
// queue depth itself lives in the database and is better observed there.
package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	// emailsDelivered counts newsletter emails successfully handed to the
	// provider.
	emailsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_emails_delivered_total",
		Help: "Total number of newsletter emails successfully sent.",
	})

	// deliveryFailures counts transient provider failures. Each failure
	// leaves its task queued, so this also approximates retry pressure.
	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_delivery_failures_total",
		Help: "Total number of transient delivery failures (task retained for retry).",
	})

	// invalidAddresses counts tasks dropped because the stored address is
	// permanently undeliverable.
	invalidAddresses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "newsletter_invalid_addresses_total",
		Help: "Total number of delivery tasks dropped due to invalid subscriber addresses.",
	})
)

func init() {
	prometheus.MustRegister(emailsDelivered, deliveryFailures, invalidAddresses)
}
