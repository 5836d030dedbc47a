// Package bp implements a Bundle Protocol version 6 agent channel: a
// store-and-forward relay that encapsulates application payloads as
// bundles, tracks custody transfer, and aggregates custody signals.
//
// # Basic Usage
//
//	ch, err := bp.Open(bp.Route{
//	    LocalNode: 42, LocalService: 1,
//	    DestinationNode: 84, DestinationService: 1,
//	}, storage.NewRAM(), bp.DefaultAttributes())
//	if err != nil {
//	    // handle configuration errors
//	}
//	defer ch.Close()
//
//	var flags bp.Flags
//
//	// Application side
//	err = ch.Store(payload, storage.Check, &flags)
//
//	// Transport egress
//	wire, err := ch.Load(storage.Check, &flags)
//	// ... transmit wire, then
//	ch.AckBundle(wire)
//
//	// Transport ingress
//	err = ch.Process(inbound, storage.Check, &flags)
//
//	// Delivery
//	payload, err := ch.Accept(storage.Check, &flags)
//	ch.AckPayload(payload)
//
// # Concurrency
//
// A channel is safe for concurrent use; the intended deployment runs
// Store/Accept, Load, and Process on separate goroutines. Channels
// share nothing, so any number may run side by side.
//
// # Error Handling
//
// Hard failures are returned as errors classified with errors.Is.
// Recoverable conditions are OR-ed into the caller's [Flags] word and
// never fail the call; inspect the word after each data-plane call.
package bp
