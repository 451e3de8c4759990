//Package metrics defines the Collector interface the relay and
//transit servers report through, with Prometheus and no-op
//implementations behind it.
package metrics

//Collector records server activity counters. Implementations
//must be safe for concurrent use
type Collector interface {
	//Rendezvous connection metrics
	ClientConnected()
	ClientDisconnected()

	//Rendezvous activity
	MessageAdded()
	NameplateClaimed()
	RendezvousResult(kind, result string)

	//Transit activity
	TransitConnection()
	TransitResult(result string, blurredBytes int64)
}
