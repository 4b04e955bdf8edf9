// Command shuffle-worker is the node-local shuffle storage and serving
// daemon: it exposes a gRPC health service, a uRPC data-plane listener,
// and an HTTP admin query surface, backed by a tiered memory/disk
// store.
//
// Usage: shuffle-worker worker.jsonnet
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/riffle-io/riffle-worker/internal/worker/admin"
	"github.com/riffle-io/riffle-worker/internal/worker/appmanager"
	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/config"
	"github.com/riffle-io/riffle-worker/internal/worker/discovery"
	workerhealth "github.com/riffle-io/riffle-worker/internal/worker/health"
	"github.com/riffle-io/riffle-worker/internal/worker/hybridstore"
	"github.com/riffle-io/riffle-worker/internal/worker/ioscheduler"
	"github.com/riffle-io/riffle-worker/internal/worker/localdisk"
	"github.com/riffle-io/riffle-worker/internal/worker/membuffer"
	"github.com/riffle-io/riffle-worker/internal/worker/program"
	"github.com/riffle-io/riffle-worker/internal/worker/rpcservice"
	"github.com/riffle-io/riffle-worker/internal/worker/urpc"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatal("Usage: shuffle-worker worker.jsonnet")
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read configuration from %s: %s", os.Args[1], err)
	}

	if err := program.Run(func(ctx context.Context, group *program.Group) error {
		return runWorker(ctx, group, cfg)
	}); err != nil {
		log.Fatal("Worker terminated with error: ", err)
	}
}

func runWorker(ctx context.Context, group *program.Group, cfg *config.Config) error {
	clk := clock.SystemClock

	mem := membuffer.New(membuffer.Config{
		CapacityBytes: cfg.MemCapacityBytes,
		TicketTimeout: time.Duration(cfg.TicketTimeoutSec) * time.Second,
		HighWatermark: cfg.MemHighWatermark,
		LowWatermark:  cfg.MemLowWatermark,
	}, clk)

	disks := make([]*localdisk.Delegator, 0, len(cfg.Disks))
	for _, dc := range cfg.Disks {
		sched := ioscheduler.New(dc.Root, ioscheduler.Config{
			BandwidthBytesPerSec: dc.BandwidthBytesPerSec,
			ReadRatio:            dc.ReadRatio,
			AppendRatio:          dc.AppendRatio,
			SharedRatio:          dc.SharedRatio,
		})
		d := localdisk.New(localdisk.Config{
			Root:                 dc.Root,
			HighWatermark:        dc.HighWatermark,
			LowWatermark:         dc.LowWatermark,
			HealthyCheckInterval: time.Duration(dc.HealthyCheckIntervalSec) * time.Second,
			ReadWorkers:          4,
			AppendWorkers:        4,
		}, sched, clk, localdisk.GopsutilCapacityProbe)
		disks = append(disks, d)
		group.Go(func(ctx context.Context, _ *program.Group) error {
			d.StartHealthLoop(ctx)
			<-ctx.Done()
			return nil
		})
	}

	hybrid := hybridstore.New(hybridstore.Config{SpillWorkers: cfg.SpillWorkers}, mem, disks)
	group.Go(func(ctx context.Context, _ *program.Group) error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				hybrid.MaybeTriggerSpill(cfg.MemHighWatermark, cfg.MemLowWatermark)
			}
		}
	})

	apps := appmanager.New(appmanager.Config{
		HeartbeatTimeout:                   time.Duration(cfg.HeartbeatTimeoutMin) * time.Minute,
		HugePartitionMarkedThresholdBytes:   cfg.HugePartitionMarkedThresholdBytes,
		HugePartitionMemoryLimitPercent:     cfg.HugePartitionMemoryLimitPercent,
		MemCapacityBytes:                    cfg.MemCapacityBytes,
		AliveAppCountLimit:                  cfg.AliveAppCountLimit,
	}, clk, hybrid, mem)
	group.Go(func(ctx context.Context, _ *program.Group) error {
		apps.StartHeartbeatChecker(ctx)
		<-ctx.Done()
		return nil
	})
	group.Go(func(ctx context.Context, _ *program.Group) error {
		apps.StartTopNLoop(ctx)
		<-ctx.Done()
		return nil
	})
	group.Go(func(ctx context.Context, _ *program.Group) error {
		apps.StartPurgeConsumer(ctx, hybrid)
		<-ctx.Done()
		return nil
	})

	diskHealths := make([]workerhealth.DiskHealth, len(disks))
	for i, d := range disks {
		diskHealths[i] = d
	}
	aggregator := workerhealth.New(workerhealth.Config{
		AliveAppCountLimit:        cfg.AliveAppCountLimit,
		AllocatorFootprintCeiling: cfg.AllocatorFootprintCeilingBytes,
		StuckWindow:               time.Duration(cfg.StuckWindowSec) * time.Second,
	}, clk, diskHealths, hybrid, apps.AliveAppCount, func() int64 { return mem.Allocated() }, func() int64 { return mem.Used() })

	datasource := admin.New(os.TempDir())
	group.Go(func(ctx context.Context, _ *program.Group) error {
		srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.AdminHTTPPort), Handler: admin.NewRouter(datasource)}
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	svc := rpcservice.NewService(apps, mem, hybrid)
	listener, err := urpc.Listen(":"+strconv.Itoa(cfg.URPCPort), svc)
	if err != nil {
		return err
	}
	group.Go(func(ctx context.Context, _ *program.Group) error {
		return listener.Run(ctx)
	})

	hostIP, err := firstNonLoopbackIP()
	if err == nil {
		register, regErr := discovery.NewRegister(cfg.ServiceType, "", hostIP, cfg.GRPCPort, cfg.Version, cfg.ClusterName)
		if regErr == nil {
			group.Go(func(ctx context.Context, _ *program.Group) error {
				<-ctx.Done()
				register.Close()
				return nil
			})
		} else {
			log.Printf("shuffle-worker: mDNS registration failed: %s", regErr)
		}
	}

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	grpc_prometheus.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPCPort))
	if err != nil {
		return err
	}
	group.Go(func(ctx context.Context, _ *program.Group) error {
		go func() {
			<-ctx.Done()
			grpcServer.GracefulStop()
		}()
		return grpcServer.Serve(lis)
	})

	group.Go(func(ctx context.Context, _ *program.Group) error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING
				if !aggregator.IsHealthy() {
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
				healthServer.SetServingStatus("", status)
			}
		}
	})

	return nil
}

func firstNonLoopbackIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", os.ErrNotExist
}
