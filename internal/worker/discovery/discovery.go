// Package discovery implements mDNS registration and lookup of worker
// instances, per spec §6 ("Each worker registers an mDNS service
// `_<service_type>._udp.local.`...").
//
// Grounded on original_source/src/discovery/{mod,register,query}.rs.
package discovery

import (
	"fmt"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// wrapServiceType matches the original's wrap_service_type: it turns
// "shuffle-worker" into "_shuffle-worker._udp.local.".
func wrapServiceType(serviceType string) string {
	return fmt.Sprintf("_%s._udp.local.", serviceType)
}

// InstanceID is the <ip>-<grpc_port> identifier used as the mDNS
// instance name, matching InstanceInfo::get_id in the original.
func InstanceID(ip string, grpcPort int) string {
	return fmt.Sprintf("%s-%d", ip, grpcPort)
}

// Register advertises this worker's gRPC endpoint over mDNS. Version
// and cluster are carried as TXT properties.
type Register struct {
	server *mdns.Server
}

// NewRegister starts advertising serviceType on host/ip/grpcPort.
func NewRegister(serviceType, hostname, ip string, grpcPort int, version, cluster string) (*Register, error) {
	txt := []string{"VERSION=" + version}
	if cluster != "" {
		txt = append(txt, "CLUSTER="+cluster)
	}

	service, err := mdns.NewMDNSService(
		InstanceID(ip, grpcPort),
		wrapServiceType(serviceType),
		"",
		hostname,
		grpcPort,
		nil,
		txt,
	)
	if err != nil {
		return nil, workererr.Wrap(err, "failed to build mdns service descriptor")
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, workererr.Wrap(err, "failed to start mdns server")
	}
	return &Register{server: server}, nil
}

// Close stops advertising this worker.
func (r *Register) Close() error {
	return r.server.Shutdown()
}

// Instance is a discovered peer.
type Instance struct {
	Hostname string
	AddrV4   string
	Port     int
	Version  string
	Cluster  string
}

// Query discovers instances of serviceType, waiting up to wait for
// responses, matching Query::get(service_type, block_wait_sec) in the
// original.
func Query(serviceType string, wait time.Duration) ([]Instance, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	var instances []Instance
	done := make(chan struct{})

	go func() {
		for e := range entries {
			inst := Instance{Hostname: e.Host, Port: e.Port}
			if e.AddrV4 != nil {
				inst.AddrV4 = e.AddrV4.String()
			}
			for _, field := range e.InfoFields {
				if len(field) > len("VERSION=") && field[:len("VERSION=")] == "VERSION=" {
					inst.Version = field[len("VERSION="):]
				}
				if len(field) > len("CLUSTER=") && field[:len("CLUSTER=")] == "CLUSTER=" {
					inst.Cluster = field[len("CLUSTER="):]
				}
			}
			instances = append(instances, inst)
		}
		close(done)
	}()

	params := mdns.DefaultParams(wrapServiceType(serviceType))
	params.Entries = entries
	params.Timeout = wait

	if err := mdns.Query(params); err != nil {
		close(entries)
		return nil, workererr.Wrap(err, "mdns query failed")
	}
	close(entries)
	<-done

	return instances, nil
}
