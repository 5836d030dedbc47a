package bp

import "github.com/calvinalkan/bpagent/pkg/bpv6"

// IPN is an ipn-scheme endpoint number.
type IPN = bpv6.IPN

// Route holds a channel's addressing: the local endpoint (which is
// also the custodian of bundles it builds), the destination, and the
// report-to endpoint.
type Route = bpv6.Route

// EIDToIPN parses an "ipn:node.service" endpoint ID.
func EIDToIPN(eid string) (IPN, IPN, error) {
	return bpv6.EIDToIPN(eid)
}

// IPNToEID formats an "ipn:node.service" endpoint ID.
func IPNToEID(node, service IPN) string {
	return bpv6.IPNToEID(node, service)
}

// RouteInfo reads the addressing out of a serialized bundle without a
// full decode, so transport code can pick a next hop.
func RouteInfo(wire []byte) (Route, error) {
	return bpv6.RouteInfo(wire)
}
