package transport

// NetworkStatus notifies the manager about host connectivity changes. When
// the host reports offline the manager pauses instead of burning retries;
// when it comes back online the manager reconnects immediately.
type NetworkStatus interface {
	// Subscribe registers a callback invoked with true when the network
	// comes up and false when it goes down. It returns an unsubscribe
	// function.
	Subscribe(fn func(online bool)) (cancel func())
}
