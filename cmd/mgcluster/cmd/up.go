package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/graphcompute/mgcluster/pkg/allocator"
	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/fixture"
	"github.com/graphcompute/mgcluster/pkg/shutdown"
)

var upFlags struct {
	inProcess      bool
	checkDevices   bool
	noPeerToPeer   bool
	noPool         bool
	driverPoolSize string
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start a cluster and keep it up until interrupted",
	Long: `Provisions one worker per device (devices device-base..device-base+workers-1),
initializes the communicator and the driver memory pool, prints the cluster
and waits for SIGINT or SIGTERM before releasing it.

The worker count defaults to $DASK_NUM_WORKERS, then 4.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)

	f := upCmd.Flags()
	f.Int("workers", cluster.DefaultWorkers, "number of workers, one per device")
	f.Int("device-base", cluster.DefaultDeviceBase, "first device index")
	f.String("worker-pool-size", cluster.DefaultWorkerPoolSize, "memory pool size of each worker")
	f.Duration("registration-timeout", cluster.DefaultRegistrationTimeout, "how long to wait for workers to register")
	f.String("scheduler-addr", cluster.DefaultSchedulerAddr, "scheduler listen address")
	f.BoolVar(&upFlags.inProcess, "in-process", false, "run workers as goroutines instead of child processes")
	f.BoolVar(&upFlags.checkDevices, "check-devices", true, "verify the device range with nvidia-smi")
	f.BoolVar(&upFlags.noPeerToPeer, "no-p2p", false, "initialize the communicator without peer channels")
	f.BoolVar(&upFlags.noPool, "no-pool", false, "configure the driver allocator without a pool")
	f.StringVar(&upFlags.driverPoolSize, "driver-pool-size", "", "driver pool size (default half of device 0 memory)")

	viper.BindPFlag("workers", f.Lookup("workers"))
	viper.BindPFlag("device_base", f.Lookup("device-base"))
	viper.BindPFlag("worker_pool_size", f.Lookup("worker-pool-size"))
	viper.BindPFlag("registration_timeout", f.Lookup("registration-timeout"))
	viper.BindPFlag("scheduler_addr", f.Lookup("scheduler-addr"))
}

type upSummary struct {
	ClusterID string               `json:"cluster_id" yaml:"cluster_id"`
	Scheduler string               `json:"scheduler" yaml:"scheduler"`
	Devices   string               `json:"devices" yaml:"devices"`
	Session   string               `json:"comms_session" yaml:"comms_session"`
	Pool      allocator.PoolConfig `json:"driver_pool" yaml:"driver_pool"`
	Workers   []upWorker           `json:"workers" yaml:"workers"`
}

type upWorker struct {
	Name     string `json:"name" yaml:"name"`
	ID       string `json:"id" yaml:"id"`
	Device   int    `json:"device" yaml:"device"`
	GPU      string `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Address  string `json:"address" yaml:"address"`
	P2P      string `json:"p2p_address" yaml:"p2p_address"`
	PoolSize uint64 `json:"pool_size" yaml:"pool_size"`
}

func runUp(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg := cluster.LoadConfig(viper.GetViper(), logger)

	opts := []fixture.Option{fixture.WithConfig(cfg), fixture.WithLogger(logger)}
	if !upFlags.inProcess {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate mgcluster binary: %w", err)
		}
		opts = append(opts, fixture.WithLauncher(&cluster.ExecLauncher{
			Binary: exe,
			Args:   []string{"worker", "--log-level", logLevel},
			Stdout: os.Stderr,
			Stderr: os.Stderr,
		}))
	}
	if upFlags.checkDevices {
		opts = append(opts, fixture.WithDeviceProbe(cluster.NvidiaSMIProbe{}))
	}
	if upFlags.noPeerToPeer {
		opts = append(opts, fixture.WithoutPeerToPeer())
	}
	if upFlags.noPool {
		opts = append(opts, fixture.WithoutPool())
	}
	if upFlags.driverPoolSize != "" {
		size, err := humanize.ParseBytes(upFlags.driverPoolSize)
		if err != nil {
			return fmt.Errorf("invalid --driver-pool-size %q: %w", upFlags.driverPoolSize, err)
		}
		opts = append(opts, fixture.WithPoolSize(size))
	}

	ctx := cmd.Context()
	s, err := fixture.Start(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.TeardownTimeout+5*time.Second)
		defer cancel()
		s.Close(releaseCtx)
	}()

	summary := summarize(s)
	if done, err := printStructured(os.Stdout, outputFormat, summary); !done {
		printUpTable(summary)
	} else if err != nil {
		return err
	}

	sig := shutdown.WaitForSignal(ctx)
	logger.Info(fmt.Sprintf("Received %v, releasing cluster %s", sig, summary.ClusterID))
	return nil
}

func summarize(s *fixture.Session) upSummary {
	out := upSummary{
		ClusterID: s.Handle.ID,
		Scheduler: s.Handle.Address,
		Devices:   s.Handle.Devices.String(),
		Session:   s.Comms.SessionID(),
		Pool:      s.Allocator.Config(),
	}
	for _, w := range s.Handle.Workers() {
		out.Workers = append(out.Workers, upWorker{
			Name:     w.Name,
			ID:       w.ID,
			Device:   w.Device,
			GPU:      w.GPUName,
			Address:  w.Address,
			P2P:      w.P2PAddress,
			PoolSize: w.PoolSizeBytes,
		})
	}
	return out
}

func printUpTable(s upSummary) {
	fmt.Printf("Cluster:   %s\n", s.ClusterID)
	fmt.Printf("Scheduler: %s\n", s.Scheduler)
	fmt.Printf("Devices:   %s\n", s.Devices)
	fmt.Printf("Comms:     %s\n", s.Session)
	if s.Pool.Enabled {
		fmt.Printf("Driver pool: %s\n\n", humanize.Bytes(s.Pool.Size))
	} else {
		fmt.Printf("Driver pool: disabled\n\n")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Device", "GPU", "Address", "P2P", "Pool")
	for _, w := range s.Workers {
		gpu := w.GPU
		if gpu == "" {
			gpu = "-"
		}
		table.Append(w.Name, strconv.Itoa(w.Device), gpu, w.Address, w.P2P, humanize.Bytes(w.PoolSize))
	}
	table.Render()
	fmt.Println("\nPress Ctrl+C to release the cluster")
}
