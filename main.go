package main

import (
	"github.com/carlosvargasvip/proxmox-scripts/pkg/pvebalance"
)

var AppVersion = "0.1.0"
var AppGitCommit = ""
var AppGitState = ""

func Version() string {
	version := AppVersion
	if len(AppGitCommit) > 0 {
		version += "-"
		version += AppGitCommit[0:8]
	}
	if len(AppGitState) > 0 && AppGitState != "clean" {
		version += "-"
		version += AppGitState
	}
	return version
}

func main() {
	o := pvebalance.New(Version())
	o.Init()
}
