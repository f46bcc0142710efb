package pvebalance

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/carlosvargasvip/proxmox-scripts/pkg/balance"
	balancer "github.com/carlosvargasvip/proxmox-scripts/pkg/balancer_const"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/cluster"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/diskmove"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/inventory"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/isomove"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/planner"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/proxmox"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/rest"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/spread"
	"github.com/carlosvargasvip/proxmox-scripts/pkg/supervisor"
)

var _ balancer.Tool = &PVEBalance{}

func New(version string) *PVEBalance {
	return &PVEBalance{
		version: version,
		log:     makeLog(),
		stopCh:  make(chan struct{}),
	}
}

func (o *PVEBalance) Init() {
	o.Log().Infof("pvebalance %s starting", o.version)

	o.Exitcode = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// handle sigterm correctly
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-c
		logger := o.Log().WithField("signal", s.String())
		logger.Debug("received signal")
		o.Stop()
		cancel()
	}()

	err := o.params()
	if err != nil {
		o.Log().Fatal(err)
	}

	client := proxmox.New(o, o.endpoint, o.tokenID, o.secret, o.insecureTLS)
	collector := inventory.New(o, client)

	switch {
	case o.serve:
		rest.Init(o, collector, o.listen)
	case o.isoSource != "":
		o.runISOMove()
	case o.diskVMID != 0:
		o.runDiskMove(ctx, client)
	case o.spreadMode:
		o.runSpread(ctx, client, collector)
	default:
		o.runBalance(ctx, client, collector)
	}

	os.Exit(o.Exitcode)
}

func (o *PVEBalance) runBalance(ctx context.Context, client cluster.Client, collector *inventory.Collector) {
	snapshot, err := collector.Collect(ctx)
	if err != nil {
		o.Log().Fatal(err)
	}
	if len(snapshot.Nodes) < 2 {
		o.Log().Fatalf("Rebalancing needs at least 2 nodes, found %d", len(snapshot.Nodes))
	}

	model := balance.NewModel(snapshot)
	target := model.Target(o.mode)
	threshold := model.Threshold(o.mode)
	o.Log().Infof("Balance mode %s: target %d, threshold %d", o.mode, target, threshold)
	for _, name := range snapshot.NodeNames() {
		node := snapshot.Nodes[name]
		o.Log().Infof("Node %s: utilization %d (%s), %d VMs",
			name, model.UtilizationFixed(node, o.mode), model.Classify(node, o.mode), node.VMCount)
	}

	if !model.NeedsRebalance(o.mode) {
		o.Log().Info("Cluster is already balanced, nothing to do")
		return
	}

	pl := planner.New(o, o.maxMigrations)

	if o.dryRun {
		for _, migration := range pl.Plan(snapshot, o.mode) {
			o.Log().Infof("Would migrate VM %d: %s -> %s", migration.VMID, migration.Source, migration.Target)
		}
		return
	}

	if !o.confirm("Proceed with rebalancing?") {
		o.Log().Info("Aborted by operator")
		os.Exit(2)
	}

	sup := supervisor.New(o, client, nil)
	summary := pl.Run(ctx, snapshot, o.mode, sup)

	o.Log().Infof("Pass finished: %d migrated, %d start failures, %d migration failures, %d timeouts",
		summary.Succeeded, summary.StartFailed, summary.MigrationFailed, summary.TimedOut)
	if summary.Cancelled {
		o.Log().Warn("Pass was cancelled before completion")
	}
}

func (o *PVEBalance) runSpread(ctx context.Context, client cluster.Client, collector *inventory.Collector) {
	sup := supervisor.New(o, client, nil)
	s := spread.New(o, collector, sup)
	if err := s.Init(ctx); err != nil {
		o.Log().Error(err)
		o.Exitcode = 1
	}
}

func (o *PVEBalance) runISOMove() {
	mover, err := isomove.New(o, o.isoHost, o.isoUser)
	if err != nil {
		o.Log().Fatal(err)
	}
	defer mover.Close()

	if err := mover.Transfer(o.isoSource, o.isoTargetDir); err != nil {
		o.Log().Error(err)
		o.Exitcode = 1
	}
}

func (o *PVEBalance) runDiskMove(ctx context.Context, client *proxmox.Proxmox) {
	mover := diskmove.New(o, client)
	if err := mover.Run(ctx, o.diskNode, o.diskVMID, o.diskDisk, o.diskStorage); err != nil {
		o.Log().Error(err)
		o.Exitcode = 1
	}
}

func makeLog() *log.Entry {
	logtype := strings.ToLower(os.Getenv("LOG_TYPE"))
	if logtype == "" {
		logtype = "text"
	}

	if logtype == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if logtype == "text" {
		log.SetFormatter(&log.TextFormatter{
			ForceColors: true,
		})
	} else {
		log.WithField("logtype", logtype).Fatal("Given logtype was not valid, check LOG_TYPE configuration")
	}

	loglevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	switch loglevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
	return log.WithField("context", "pvebalance")
}

func (o *PVEBalance) params() error {
	flag.IntVar(&o.maxMigrations, "maxMigrations", planner.DefaultMaxMigrations, "Migration budget for one pass")
	flag.BoolVar(&o.dryRun, "dryRun", false, "Print the plan without migrating")
	flag.BoolVar(&o.assumeYes, "yes", false, "Skip the confirmation prompt")

	flag.BoolVar(&o.spreadMode, "spread", false, "Spread VMs round-robin by count instead of rebalancing")

	flag.BoolVar(&o.serve, "serve", false, "Serve the read-only report API instead of rebalancing")
	flag.StringVar(&o.listen, "listen", ":1323", "Report API listen address")

	flag.StringVar(&o.isoSource, "isoSource", "", "Local ISO path to copy to another storage mount")
	flag.StringVar(&o.isoTargetDir, "isoTargetDir", "/var/lib/vz/template/iso", "Remote ISO directory")
	flag.StringVar(&o.isoHost, "isoHost", "", "Remote node address for the ISO copy")
	flag.StringVar(&o.isoUser, "isoUser", "root", "SSH user for the ISO copy")

	flag.StringVar(&o.diskNode, "diskNode", "", "Node of the VM whose disk should be moved")
	flag.IntVar(&o.diskVMID, "diskVMID", 0, "VM whose disk should be moved")
	flag.StringVar(&o.diskDisk, "diskDisk", "scsi0", "Disk to move")
	flag.StringVar(&o.diskStorage, "diskStorage", "", "Target storage for the disk move")
	flag.Parse()

	mode, err := balance.ParseMode(flag.Arg(0))
	if err != nil {
		return err
	}
	o.mode = mode

	o.endpoint = os.Getenv("PVE_ENDPOINT")
	if len(o.endpoint) == 0 {
		return errors.New("Please provide PVE_ENDPOINT")
	}

	o.tokenID = os.Getenv("PVE_TOKEN_ID")
	if len(o.tokenID) == 0 {
		return errors.New("Please provide PVE_TOKEN_ID")
	}

	o.secret = os.Getenv("PVE_SECRET")
	if len(o.secret) == 0 {
		return errors.New("Please provide PVE_SECRET")
	}

	o.insecureTLS = strings.ToLower(os.Getenv("PVE_INSECURE_TLS")) == "true"

	if o.isoSource != "" && o.isoHost == "" {
		return errors.New("Please provide -isoHost for the ISO copy")
	}
	if o.diskVMID != 0 && (o.diskNode == "" || o.diskStorage == "") {
		return errors.New("Please provide -diskNode and -diskStorage for the disk move")
	}

	return nil
}

func (o *PVEBalance) confirm(question string) bool {
	if o.assumeYes {
		return true
	}
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (o *PVEBalance) Stop() {
	o.Log().Info("shutting things down")
	close(o.stopCh)
}

func (o *PVEBalance) Log() *log.Entry {
	return o.log
}

func (o *PVEBalance) Version() string {
	return o.version
}
