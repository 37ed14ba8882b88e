// Package discovery announces and finds hubs on the local network with mDNS.
//
// A hub advertises an instance of the configured service (default
// "_hivehub._tcp") whose TXT records carry the URL scheme and REST base path.
// Gateways started without a service URL look the hub up and build the URL
// from the first answer.
//
//	adv, err := discovery.Advertise(cfg.Discovery, cfg.Hub.Name, cfg.API.Port, discovery.TXT("http", "/api"))
//	defer adv.Shutdown()
//
//	url, err := discovery.Lookup(ctx, cfg.Discovery, cfg.GetDiscoveryTimeout())
package discovery
