package pvebalance

import (
	log "github.com/sirupsen/logrus"

	"github.com/carlosvargasvip/proxmox-scripts/pkg/balance"
)

type PVEBalance struct {
	version string
	log     *log.Entry

	mode          balance.Mode
	maxMigrations int
	dryRun        bool
	assumeYes     bool

	endpoint    string
	tokenID     string
	secret      string
	insecureTLS bool

	spreadMode bool

	serve  bool
	listen string

	isoSource    string
	isoTargetDir string
	isoHost      string
	isoUser      string

	diskNode    string
	diskVMID    int
	diskDisk    string
	diskStorage string

	stopCh chan struct{}

	Exitcode int
}
