package interfaces

import "context"

// Service interface defines the methods that every kind of interface, whether
// a p2p node, gRPC, REST, or whatever must be compliant with.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}
