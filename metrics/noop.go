package metrics

//NoopCollector is a no-op implementation of the Collector
//interface, used when no metrics listener is configured
type NoopCollector struct{}

//ClientConnected is a no-op.
func (n *NoopCollector) ClientConnected() {}

//ClientDisconnected is a no-op.
func (n *NoopCollector) ClientDisconnected() {}

//MessageAdded is a no-op.
func (n *NoopCollector) MessageAdded() {}

//NameplateClaimed is a no-op.
func (n *NoopCollector) NameplateClaimed() {}

//RendezvousResult is a no-op.
func (n *NoopCollector) RendezvousResult(kind, result string) {}

//TransitConnection is a no-op.
func (n *NoopCollector) TransitConnection() {}

//TransitResult is a no-op.
func (n *NoopCollector) TransitResult(result string, blurredBytes int64) {}
