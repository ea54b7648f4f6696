package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/graphcompute/mgcluster/pkg/agent"
	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/shutdown"
)

var workerFlags struct {
	scheduler         string
	name              string
	device            int
	visibleDevices    string
	poolSize          string
	protocol          string
	heartbeatInterval time.Duration
	clusterID         string
	detectGPU         bool
	logFile           bool
}

// workerCmd is started by the exec launcher, one process per device
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a cluster worker pinned to one device",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.StringVar(&workerFlags.scheduler, "scheduler", "", "scheduler URL")
	f.StringVar(&workerFlags.name, "name", "worker", "worker name")
	f.IntVar(&workerFlags.device, "device", cluster.DefaultDeviceBase, "device index")
	f.StringVar(&workerFlags.visibleDevices, "visible-devices", "", "CUDA_VISIBLE_DEVICES seen by the worker")
	f.StringVar(&workerFlags.poolSize, "pool-size", cluster.DefaultWorkerPoolSize, "worker memory pool size")
	f.StringVar(&workerFlags.protocol, "protocol", cluster.DefaultProtocol, "transport protocol")
	f.DurationVar(&workerFlags.heartbeatInterval, "heartbeat-interval", cluster.DefaultHeartbeatInterval, "heartbeat interval")
	f.StringVar(&workerFlags.clusterID, "cluster-id", "", "ID of the owning cluster")
	f.BoolVar(&workerFlags.detectGPU, "detect-gpu", true, "query nvidia-smi for the device name")
	f.BoolVar(&workerFlags.logFile, "log-file", true, "also log to /var/log/mgcluster/worker/<name>.log")
	workerCmd.MarkFlagRequired("scheduler")
	viper.BindEnv("join_token", cluster.JoinTokenEnv)
}

func runWorker(cmd *cobra.Command, args []string) error {
	poolSize, err := humanize.ParseBytes(workerFlags.poolSize)
	if err != nil {
		return fmt.Errorf("invalid --pool-size %q: %w", workerFlags.poolSize, err)
	}

	teardown := shutdown.New(5 * time.Second)
	defer teardown.Run(context.Background())

	logger := newLogger()
	if workerFlags.logFile {
		if fl, err := logging.NewFileLogger("worker", workerFlags.name, logging.ParseLevel(logLevel), jsonLogs); err == nil {
			logger = fl
			teardown.Register("log-file", shutdown.CloseResource(fl))
		} else {
			logger.Warn(fmt.Sprintf("File logging disabled: %v", err))
		}
	}
	if workerFlags.clusterID != "" {
		logger = logger.WithField("cluster_id", workerFlags.clusterID)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go func() {
		if sig := shutdown.WaitForSignal(ctx); sig != nil {
			logger.Info(fmt.Sprintf("Received %s, stopping worker", sig))
		}
		cancel()
	}()

	w := agent.New(agent.Config{
		Name:              workerFlags.name,
		SchedulerURL:      workerFlags.scheduler,
		JoinToken:         viper.GetString("join_token"),
		Device:            workerFlags.device,
		VisibleDevices:    workerFlags.visibleDevices,
		PoolSizeBytes:     poolSize,
		Protocol:          workerFlags.protocol,
		HeartbeatInterval: workerFlags.heartbeatInterval,
		DetectGPU:         workerFlags.detectGPU,
		Labels:            map[string]string{"cluster_id": workerFlags.clusterID},
		Logger:            logger,
	})
	return w.Run(ctx)
}
